package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rcrowley/go-metrics"
)

const (
	KeyFilter        = "filter.%s.%s"
	KeyFilterErrors  = "errors.filter.%s.%s"
	KeyChain         = "chain.%s"
	KeyCompilation   = "compilation.%s.%t"
	KeyFilterCount   = "filters"
	defaultReservoir = 1024
)

// CodaHale is the CodaHale format backend, implements Metrics interface in
// DropWizard's CodaHale metrics format.
type CodaHale struct {
	prefix string
	reg    metrics.Registry
}

// NewCodaHale returns a new CodaHale backend of metrics.
func NewCodaHale(o Options) *CodaHale {
	return &CodaHale{prefix: o.Prefix, reg: metrics.NewRegistry()}
}

func newTimer() metrics.Timer {
	return metrics.NewCustomTimer(metrics.NewHistogram(metrics.NewUniformSample(defaultReservoir)), metrics.NewMeter())
}

func (c *CodaHale) key(format string, a ...any) string {
	return c.prefix + fmt.Sprintf(format, a...)
}

func (c *CodaHale) MeasureFilter(name, phase string, start time.Time) {
	c.reg.GetOrRegister(c.key(KeyFilter, phase, name), newTimer).(metrics.Timer).UpdateSince(start)
}

func (c *CodaHale) incCounter(key string) {
	c.reg.GetOrRegister(key, metrics.NewCounter).(metrics.Counter).Inc(1)
}

func (c *CodaHale) IncFilterErrors(name, phase string) {
	c.incCounter(c.key(KeyFilterErrors, phase, name))
}

func (c *CodaHale) IncChain(state string) {
	c.incCounter(c.key(KeyChain, state))
}

func (c *CodaHale) IncCompilation(name string, success bool) {
	c.incCounter(c.key(KeyCompilation, name, success))
}

func (c *CodaHale) UpdateFilterCount(n int) {
	c.reg.GetOrRegister(c.key(KeyFilterCount), metrics.NewGauge).(metrics.Gauge).Update(int64(n))
}

// Registry returns the underlying registry of the collector.
func (c *CodaHale) Registry() metrics.Registry { return c.reg }

// Handler serves the current values in JSON format.
func (c *CodaHale) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(c.reg.GetAll()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
