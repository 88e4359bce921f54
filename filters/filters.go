package filters

import (
	"errors"
	"fmt"

	"github.com/zalando/filtergate/requestcontext"
)

// Phase identifies the stage of the request chain that a filter belongs
// to. The set of phases is open, the processor executes Pre, Route and
// Post in this order, and Error when the chain was aborted.
type Phase string

const (
	Pre   Phase = "pre"
	Route Phase = "route"
	Post  Phase = "post"
	Error Phase = "error"
)

// ErrAbort is returned, optionally wrapped, by a filter's Run method to
// signal that the remaining filters of the phase must be skipped and the
// error phase must be entered.
var ErrAbort = errors.New("filter chain aborted")

// Abort returns an error matching ErrAbort with a reason.
func Abort(reason string) error {
	return fmt.Errorf("%w: %s", ErrAbort, reason)
}

// Filter is an executable request processing step. Filter values are
// immutable. A reloaded filter is a new value replacing the old one by
// name.
//
// The same Filter instance is called concurrently for different
// requests, so any state kept by a filter itself is shared between them.
// Per-request state belongs to the request context.
type Filter interface {

	// Unique name of the filter, the key of the registry.
	Name() string

	// The phase the filter runs in.
	Type() Phase

	// Position of the filter within its phase, lower runs earlier.
	// Filters with the same order run in the lexical order of their
	// names.
	Order() int

	// Decides whether Run should be called for the current request.
	ShouldFilter(*requestcontext.Context) bool

	// Executes the filter. A returned error is isolated to the filter,
	// unless it matches ErrAbort.
	Run(*requestcontext.Context) error
}

// RunFunc is the body of a filter created with New.
type RunFunc func(*requestcontext.Context) error

// Option customizes a filter created with New.
type Option func(*filter)

// WithShouldFilter sets the predicate of the filter. Without it, the
// filter always runs.
func WithShouldFilter(p func(*requestcontext.Context) bool) Option {
	return func(f *filter) { f.should = p }
}

type filter struct {
	name   string
	phase  Phase
	order  int
	run    RunFunc
	should func(*requestcontext.Context) bool
}

// New creates a filter from a function. It is used for filters defined
// in code, which are published through the same registry as the loaded
// ones.
func New(name string, phase Phase, order int, run RunFunc, o ...Option) Filter {
	f := &filter{name: name, phase: phase, order: order, run: run}
	for _, oi := range o {
		oi(f)
	}

	return f
}

func (f *filter) Name() string { return f.name }
func (f *filter) Type() Phase  { return f.phase }
func (f *filter) Order() int   { return f.order }

func (f *filter) ShouldFilter(ctx *requestcontext.Context) bool {
	if f.should == nil {
		return true
	}

	return f.should(ctx)
}

func (f *filter) Run(ctx *requestcontext.Context) error {
	if f.run == nil {
		return nil
	}

	return f.run(ctx)
}

func (f *filter) String() string {
	return fmt.Sprintf("%s(%s, %d)", f.name, f.phase, f.order)
}

// Less reports whether a runs before b within the same phase.
func Less(a, b Filter) bool {
	if a.Order() != b.Order() {
		return a.Order() < b.Order()
	}

	return a.Name() < b.Name()
}
