/*
Package processor implements the execution of the filter chain of a
request.

A request passes through the pre, route and post phases, in this order.
In each phase, the filters of a registry snapshot run one after the
other, in ascending order and by name for equal orders. A filter can be
switched off by name, and it can skip itself through its ShouldFilter
method.

A failing filter doesn't stop the other filters of the phase. Its error
is recorded in the request context under "error.<name>", and logged. When
a filter aborts, returning an error that matches filters.ErrAbort, the
remaining filters of the phase are skipped, and the chain continues with
the error phase. The error phase is entered, too, when the route phase
didn't produce a routing decision. Failures in the error phase are fatal.

The request context is released on every exit path, including panicking
filters and canceled requests.

Every phase with filters is traced as a span named "<phase>_filters",
with an event at the start and the end of each filter.
*/
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/logging"
	"github.com/zalando/filtergate/metrics"
	"github.com/zalando/filtergate/requestcontext"
)

// State is the terminal state of a request chain.
type State string

const (
	// All the phases ran.
	Completed State = "completed"

	// The chain was aborted, and the error phase ran.
	AbortedToError State = "aborted-to-error"

	// The error phase failed, or the request was canceled.
	Failed State = "failed"
)

var chainPhases = []filters.Phase{filters.Pre, filters.Route, filters.Post}

const (
	tracerName = "github.com/zalando/filtergate/processor"

	requestIDAttr  = attribute.Key("request.id")
	filterNameAttr = attribute.Key("filter.name")
	phaseAttr      = attribute.Key("filter.phase")
)

// Options to initialize a Processor.
type Options struct {

	// The source of the filters. Required.
	Registry *filters.Registry

	// Manual overrides disabling filters. Optional.
	Switches *filters.Switches

	Log     logging.Logger
	Metrics metrics.Metrics

	// Traces the phases. Defaults to the tracer of the global
	// OpenTelemetry provider.
	Tracer trace.Tracer
}

// Result is the outcome of a request chain. It is copied out of the
// request context before the context is released.
type Result struct {
	State     State
	RequestID string

	// The routing decision, empty when Routed is false.
	Route  string
	Routed bool

	ResponseStatus int
	ResponseBody   string

	Values     map[string]any
	Errors     []requestcontext.FilterError
	Executions []requestcontext.Execution

	// What caused entering the error phase, if it was entered.
	Cause error
}

// Processor executes the filter chains. It is safe for concurrent use.
type Processor struct {
	registry *filters.Registry
	switches *filters.Switches
	log      logging.Logger
	metrics  metrics.Metrics
	tracer   trace.Tracer
}

// New creates a Processor.
func New(o Options) (*Processor, error) {
	if o.Registry == nil {
		return nil, errors.New("processor: missing registry")
	}

	tracer := o.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Processor{
		registry: o.Registry,
		switches: o.Switches,
		log:      logging.OrDefault(o.Log),
		metrics:  metrics.OrVoid(o.Metrics),
		tracer:   tracer,
	}, nil
}

// Process runs the filter chain of a request. The setup function, when
// not nil, is called with the new request context before the first
// filter runs, e.g. to store the request attributes.
//
// The returned error is nil when the chain completed, or when a filter
// aborted and the error phase handled it. It is a
// *ChainConfigurationError when there was no routing decision, a
// *FatalEngineError when the error phase failed, and it matches
// ErrCanceled when ctx was done before the chain finished.
func (p *Processor) Process(ctx context.Context, setup func(*requestcontext.Context)) (*Result, error) {
	rc := requestcontext.Acquire(ctx)
	defer requestcontext.Release(rc)

	if setup != nil {
		setup(rc)
	}

	state, cause, err := p.run(rc)
	p.metrics.IncChain(string(state))
	if err != nil && state == Failed {
		p.log.Errorf("Request chain %s failed: %v", rc.ID(), err)
	}

	return newResult(rc, state, cause), err
}

func (p *Processor) run(rc *requestcontext.Context) (State, error, error) {
	for _, phase := range chainPhases {
		err := p.runPhase(rc, phase)
		if err == nil && phase == filters.Route {
			if _, ok := rc.Route(); !ok {
				err = &ChainConfigurationError{RequestID: rc.ID(), Filters: executed(rc, filters.Route)}
			}
		}

		if err == nil {
			continue
		}

		if errors.Is(err, ErrCanceled) {
			return Failed, nil, err
		}

		if ferr := p.runErrorPhase(rc, err); ferr != nil {
			return Failed, err, ferr
		}

		var cerr *ChainConfigurationError
		if errors.As(err, &cerr) {
			return AbortedToError, err, err
		}

		return AbortedToError, err, nil
	}

	return Completed, nil, nil
}

// RunPhase runs the filters of a single phase with an existing request
// context. It returns the error of an aborting filter, or an error
// matching ErrCanceled. In the error phase, the first failure is returned
// as *FatalEngineError.
func (p *Processor) RunPhase(rc *requestcontext.Context, phase filters.Phase) error {
	if phase == filters.Error {
		return p.runErrorPhase(rc, nil)
	}

	return p.runPhase(rc, phase)
}

func (p *Processor) runErrorPhase(rc *requestcontext.Context, cause error) error {
	err := p.runPhase(rc, filters.Error)
	if err == nil || errors.Is(err, ErrCanceled) {
		return err
	}

	fe := &FatalEngineError{Cause: cause, Err: err}
	var rerr *FilterRuntimeError
	if errors.As(err, &rerr) {
		fe.Name = rerr.Name
	}

	return fe
}

// runPhase executes the filters of a phase in order. In the error phase,
// it stops at the first failure.
func (p *Processor) runPhase(rc *requestcontext.Context, phase filters.Phase) (err error) {
	snapshot := p.registry.Snapshot(phase)
	if len(snapshot) > 0 {
		_, span := p.tracer.Start(rc.Context(), string(phase)+"_filters", trace.WithAttributes(
			requestIDAttr.String(rc.ID()),
			phaseAttr.String(string(phase)),
		))

		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			span.End()
		}()

		for _, f := range snapshot {
			if err := rc.Context().Err(); err != nil {
				return &cancelError{phase: phase, err: err}
			}

			name := filterNameAttr.String(f.Name())
			span.AddEvent("filter_start", trace.WithAttributes(name))
			ferr := p.runFilter(rc, f, phase)
			span.AddEvent("filter_end", trace.WithAttributes(name))
			if ferr == nil {
				continue
			}

			if phase == filters.Error || ferr.Aborted() {
				return ferr
			}
		}
	}

	if err := rc.Context().Err(); err != nil {
		return &cancelError{phase: phase, err: err}
	}

	return nil
}

func (p *Processor) runFilter(rc *requestcontext.Context, f filters.Filter, phase filters.Phase) *FilterRuntimeError {
	name := f.Name()
	if p.switches.Disabled(name) {
		rc.AddExecution(requestcontext.Execution{Name: name, Phase: string(phase), Status: requestcontext.Disabled})
		return nil
	}

	start := time.Now()
	ran, err := p.call(rc, f, phase)
	d := time.Since(start)
	if !ran && err == nil {
		rc.AddExecution(requestcontext.Execution{Name: name, Phase: string(phase), Status: requestcontext.Skipped, Duration: d})
		return nil
	}

	p.metrics.MeasureFilter(name, string(phase), start)
	if err == nil {
		rc.AddExecution(requestcontext.Execution{Name: name, Phase: string(phase), Status: requestcontext.Success, Duration: d})
		return nil
	}

	rc.AddExecution(requestcontext.Execution{Name: name, Phase: string(phase), Status: requestcontext.Failed, Duration: d})
	rc.AddError(name, err)
	p.metrics.IncFilterErrors(name, string(phase))

	if err.Aborted() {
		p.log.Infof("Filter %s aborted request %s in %s phase: %v", name, rc.ID(), phase, err.Err)
	} else if err.Stack != "" {
		p.log.Errorf("Error while processing filter %s of request %s: %v (%s)", name, rc.ID(), err.Err, err.Stack)
	} else {
		p.log.Errorf("Error while processing filter %s of request %s: %v", name, rc.ID(), err.Err)
	}

	return err
}

// call evaluates the predicate of the filter and runs it. Panics from
// either are recovered and returned as errors.
func (p *Processor) call(rc *requestcontext.Context, f filters.Filter, phase filters.Phase) (ran bool, ferr *FilterRuntimeError) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			l := runtime.Stack(buf, false)
			ran = true
			ferr = &FilterRuntimeError{
				Name:  f.Name(),
				Phase: phase,
				Err:   fmt.Errorf("panic: %v", r),
				Stack: string(buf[:l]),
			}
		}
	}()

	if !f.ShouldFilter(rc) {
		return false, nil
	}

	if err := f.Run(rc); err != nil {
		return true, &FilterRuntimeError{Name: f.Name(), Phase: phase, Err: err}
	}

	return true, nil
}

func executed(rc *requestcontext.Context, phase filters.Phase) []string {
	var names []string
	for _, e := range rc.Executions() {
		if e.Phase == string(phase) && (e.Status == requestcontext.Success || e.Status == requestcontext.Failed) {
			names = append(names, e.Name)
		}
	}

	return names
}

func newResult(rc *requestcontext.Context, state State, cause error) *Result {
	route, routed := rc.Route()
	return &Result{
		State:          state,
		RequestID:      rc.ID(),
		Route:          route,
		Routed:         routed,
		ResponseStatus: rc.ResponseStatus(),
		ResponseBody:   rc.ResponseBody(),
		Values:         rc.Values(),
		Errors:         rc.Errors(),
		Executions:     rc.Executions(),
		Cause:          cause,
	}
}
