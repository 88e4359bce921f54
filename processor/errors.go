package processor

import (
	"errors"
	"fmt"

	"github.com/zalando/filtergate/filters"
)

// ErrCanceled is matched by the error returned when the context of the
// request is done before the chain finished. The error matches the
// context's error, too.
var ErrCanceled = errors.New("request chain canceled")

// FilterRuntimeError is the failure of a single filter. It is recorded in
// the request context, and it doesn't stop the other filters of the
// phase, unless it matches filters.ErrAbort.
type FilterRuntimeError struct {
	Name  string
	Phase filters.Phase
	Err   error

	// Stack is set when the filter panicked.
	Stack string
}

func (e *FilterRuntimeError) Error() string {
	return fmt.Sprintf("filter %s failed in %s phase: %v", e.Name, e.Phase, e.Err)
}

func (e *FilterRuntimeError) Unwrap() error { return e.Err }

// Aborted tells whether the filter requested to abort the chain.
func (e *FilterRuntimeError) Aborted() bool {
	return errors.Is(e.Err, filters.ErrAbort)
}

// ChainConfigurationError is returned when the route phase finished
// without a routing decision.
type ChainConfigurationError struct {
	RequestID string

	// Names of the route filters that ran.
	Filters []string
}

func (e *ChainConfigurationError) Error() string {
	if len(e.Filters) == 0 {
		return fmt.Sprintf("no routing decision for request %s: no route filter ran", e.RequestID)
	}

	return fmt.Sprintf("no routing decision for request %s, route filters: %v", e.RequestID, e.Filters)
}

// FatalEngineError is returned when a filter of the error phase failed.
type FatalEngineError struct {

	// The error phase filter that failed.
	Name string

	// What caused entering the error phase.
	Cause error

	Err error
}

func (e *FatalEngineError) Error() string {
	return fmt.Sprintf("error phase failed: %v", e.Err)
}

func (e *FatalEngineError) Unwrap() error { return e.Err }

type cancelError struct {
	phase filters.Phase
	err   error
}

func (e *cancelError) Error() string {
	return fmt.Sprintf("%v in %s phase: %v", ErrCanceled, e.phase, e.err)
}

func (e *cancelError) Unwrap() []error { return []error{ErrCanceled, e.err} }
