/*
Package requestcontext implements the per-request state shared by the
filters of a single chain execution.

A Context is created when a request enters the chain and released when
the chain exits. It is the only channel through which filters of the same
request communicate, e.g. a pre-routing filter recording a decision that
a post-routing filter reads. A Context must never be shared between
requests, and it is not safe for concurrent use: filters that start their
own goroutines need to synchronize their access to it.
*/
package requestcontext

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorKeyPrefix is the prefix of the keys under which the errors of the
// failed filters are stored, followed by the filter name.
const ErrorKeyPrefix = "error."

// Status of a single filter invocation in the execution summary.
type Status string

const (
	Success  Status = "success"
	Skipped  Status = "skipped"
	Disabled Status = "disabled"
	Failed   Status = "failed"
)

// Execution records one filter invocation of a request.
type Execution struct {
	Name     string
	Phase    string
	Status   Status
	Duration time.Duration
}

func (e Execution) String() string {
	return fmt.Sprintf("%s[%s]:%s(%s)", e.Name, e.Phase, e.Status, e.Duration)
}

// FilterError is a failure recorded by a filter.
type FilterError struct {
	Name string
	Err  error
}

// Context is the mutable key/value store of a request.
type Context struct {
	ctx            context.Context
	id             string
	values         map[string]any
	route          string
	hasRoute       bool
	responseStatus int
	responseBody   string
	errors         []FilterError
	executions     []Execution
}

// New creates a context for a request. When ctx is nil,
// context.Background() is used.
func New(ctx context.Context) *Context {
	c := &Context{values: make(map[string]any)}
	c.init(ctx)
	return c
}

func (c *Context) init(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.ctx = ctx
	c.id = uuid.NewString()
}

// Context returns the context.Context of the request, used to observe
// cancellation by filters that wait on something.
func (c *Context) Context() context.Context { return c.ctx }

// ID returns the unique id of the request.
func (c *Context) ID() string { return c.id }

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Set stores a value. Setting nil removes the key.
func (c *Context) Set(key string, value any) {
	if value == nil {
		delete(c.values, key)
		return
	}

	c.values[key] = value
}

func (c *Context) Remove(key string) {
	delete(c.values, key)
}

// GetBool returns the value of key when it is a bool, otherwise false.
func (c *Context) GetBool(key string) bool {
	b, _ := c.values[key].(bool)
	return b
}

// GetString returns the value of key when it is a string, otherwise the
// empty string.
func (c *Context) GetString(key string) string {
	s, _ := c.values[key].(string)
	return s
}

// GetInt returns the value of key converted to int when it is of a
// numeric type.
func (c *Context) GetInt(key string) (int, bool) {
	switch v := c.values[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// Keys returns the keys currently set, in no particular order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}

	return keys
}

// Values returns a copy of the stored values.
func (c *Context) Values() map[string]any {
	m := make(map[string]any, len(c.values))
	for k, v := range c.values {
		m[k] = v
	}

	return m
}

// SetRoute records the routing decision of the request. The route phase
// is required to produce one.
func (c *Context) SetRoute(target string) {
	c.route = target
	c.hasRoute = true
}

func (c *Context) Route() (string, bool) {
	return c.route, c.hasRoute
}

func (c *Context) SetResponseStatus(code int) { c.responseStatus = code }
func (c *Context) ResponseStatus() int        { return c.responseStatus }
func (c *Context) SetResponseBody(b string)   { c.responseBody = b }
func (c *Context) ResponseBody() string       { return c.responseBody }

// AddError records the failure of a filter. The error is stored under
// ErrorKeyPrefix + name and appended to the error list of the request.
func (c *Context) AddError(name string, err error) {
	c.values[ErrorKeyPrefix+name] = err
	c.errors = append(c.errors, FilterError{Name: name, Err: err})
}

// Errors returns the recorded filter failures in order of occurrence.
func (c *Context) Errors() []FilterError {
	return append([]FilterError(nil), c.errors...)
}

// Err returns all recorded filter failures joined, or nil.
func (c *Context) Err() error {
	if len(c.errors) == 0 {
		return nil
	}

	errs := make([]error, len(c.errors))
	for i, fe := range c.errors {
		errs[i] = fe.Err
	}

	return errors.Join(errs...)
}

func (c *Context) AddExecution(e Execution) {
	c.executions = append(c.executions, e)
}

// Executions returns the execution summary of the request.
func (c *Context) Executions() []Execution {
	return append([]Execution(nil), c.executions...)
}

// Reset clears the context for reuse by another request.
func (c *Context) Reset() {
	clear(c.values)
	c.ctx = nil
	c.id = ""
	c.route = ""
	c.hasRoute = false
	c.responseStatus = 0
	c.responseBody = ""
	c.errors = c.errors[:0]
	c.executions = c.executions[:0]
}
