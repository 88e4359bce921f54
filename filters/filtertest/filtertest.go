// Package filtertest implements configurable filters for tests.
package filtertest

import (
	"sync/atomic"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/requestcontext"
)

// Filter is a filters.Filter whose behavior is set by its fields. Calls
// counts the invocations of Run.
type Filter struct {
	FilterName  string
	FilterType  filters.Phase
	FilterOrder int

	// When set, ShouldFilter returns false.
	Skip bool

	// Returned by Run.
	Err error

	// When not nil, Run panics with it.
	Panic any

	// Called by Run before returning Err.
	OnRun func(*requestcontext.Context)

	Calls atomic.Int64
}

func (f *Filter) Name() string        { return f.FilterName }
func (f *Filter) Type() filters.Phase { return f.FilterType }
func (f *Filter) Order() int          { return f.FilterOrder }

func (f *Filter) ShouldFilter(*requestcontext.Context) bool { return !f.Skip }

func (f *Filter) Run(ctx *requestcontext.Context) error {
	f.Calls.Add(1)
	if f.Panic != nil {
		panic(f.Panic)
	}

	if f.OnRun != nil {
		f.OnRun(ctx)
	}

	return f.Err
}

// Recorder returns a filter that appends its name to the string slice
// stored in the request context under key.
func Recorder(name string, phase filters.Phase, order int, key string) *Filter {
	return &Filter{
		FilterName:  name,
		FilterType:  phase,
		FilterOrder: order,
		OnRun: func(ctx *requestcontext.Context) {
			v, _ := ctx.Get(key)
			names, _ := v.([]string)
			ctx.Set(key, append(names, name))
		},
	}
}

// Router returns a route phase filter that records the given routing
// decision.
func Router(name string, order int, target string) *Filter {
	return &Filter{
		FilterName:  name,
		FilterType:  filters.Route,
		FilterOrder: order,
		OnRun:       func(ctx *requestcontext.Context) { ctx.SetRoute(target) },
	}
}
