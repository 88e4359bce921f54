/*
Package metrics implements the collection of the metrics of the filter
engine: the duration and the failures of the filter executions, the
outcome of the request chains, and the compilations of the filter
sources.

Two flavours are supported: Prometheus, and the Coda Hale format of the
Go port of the Dropwizard metrics library. Both can serve their current
values over http.
*/
package metrics

import (
	"net/http"
	"time"
)

// Metrics is the interface of the metrics collectors.
type Metrics interface {

	// Measures the duration of a single filter execution.
	MeasureFilter(name string, phase string, start time.Time)

	// Counts the failures of a filter.
	IncFilterErrors(name string, phase string)

	// Counts the request chains by their final state.
	IncChain(state string)

	// Counts the compilations of filter sources.
	IncCompilation(name string, success bool)

	// Sets the number of active filters.
	UpdateFilterCount(n int)

	// Returns an http handler serving the current values.
	Handler() http.Handler
}

// Options for initializing metrics collection.
type Options struct {

	// Selects the implementation: "prometheus" or "codahale".
	// Defaults to prometheus.
	Flavour string

	// Common prefix of the metric names.
	Prefix string
}

// New creates a collector of the configured flavour.
func New(o Options) Metrics {
	if o.Flavour == "codahale" {
		return NewCodaHale(o)
	}

	return NewPrometheus(o)
}

type void struct{}

// Void is a Metrics implementation that drops everything.
var Void Metrics = void{}

func (void) MeasureFilter(string, string, time.Time) {}
func (void) IncFilterErrors(string, string)          {}
func (void) IncChain(string)                         {}
func (void) IncCompilation(string, bool)             {}
func (void) UpdateFilterCount(int)                   {}
func (void) Handler() http.Handler                   { return http.NotFoundHandler() }

// OrVoid returns m, or Void when m is nil.
func OrVoid(m Metrics) Metrics {
	if m == nil {
		return Void
	}

	return m
}
