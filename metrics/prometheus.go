package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace       = "filtergate"
	promFilterSubsystem = "filter"
	promChainSubsystem  = "chain"
	promLoaderSubsystem = "loader"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	filterDurationM *prometheus.HistogramVec
	filterErrorsM   *prometheus.CounterVec
	chainM          *prometheus.CounterVec
	compilationM    *prometheus.CounterVec
	filterCountM    prometheus.Gauge

	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend with its own
// registry.
func NewPrometheus(o Options) *Prometheus {
	namespace := promNamespace
	if o.Prefix != "" {
		namespace = strings.TrimSuffix(o.Prefix, ".")
	}

	p := &Prometheus{
		filterDurationM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a filter execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"filter", "phase"}),
		filterErrorsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "errors_total",
			Help:      "The total of filter execution failures.",
		}, []string{"filter", "phase"}),
		chainM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promChainSubsystem,
			Name:      "total",
			Help:      "The total of request chains by their final state.",
		}, []string{"state"}),
		compilationM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promLoaderSubsystem,
			Name:      "compilations_total",
			Help:      "The total of filter source compilations.",
		}, []string{"filter", "success"}),
		filterCountM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promLoaderSubsystem,
			Name:      "filters",
			Help:      "The number of active filters.",
		}),
		registry: prometheus.NewRegistry(),
	}

	p.registry.MustRegister(
		p.filterDurationM,
		p.filterErrorsM,
		p.chainM,
		p.compilationM,
		p.filterCountM,
	)

	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return p
}

// Registry returns the prometheus registry of the collector.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) MeasureFilter(name, phase string, start time.Time) {
	p.filterDurationM.WithLabelValues(name, phase).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) IncFilterErrors(name, phase string) {
	p.filterErrorsM.WithLabelValues(name, phase).Inc()
}

func (p *Prometheus) IncChain(state string) {
	p.chainM.WithLabelValues(state).Inc()
}

func (p *Prometheus) IncCompilation(name string, success bool) {
	p.compilationM.WithLabelValues(name, strconv.FormatBool(success)).Inc()
}

func (p *Prometheus) UpdateFilterCount(n int) {
	p.filterCountM.Set(float64(n))
}

func (p *Prometheus) Handler() http.Handler { return p.handler }
