package javascript

import (
	"errors"
	"fmt"

	"github.com/grafana/sobek"
	log "github.com/sirupsen/logrus"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/requestcontext"
)

type runtime struct {
	vm *sobek.Runtime
	declared
}

type script struct {
	name     string
	phase    filters.Phase
	order    int
	source   string
	artifact *artifact
	pool     chan *runtime
}

func (s *script) Name() string        { return s.name }
func (s *script) Type() filters.Phase { return s.phase }
func (s *script) Order() int          { return s.order }

func (s *script) String() string {
	return fmt.Sprintf("js:%s(%s, %d)", s.name, s.phase, s.order)
}

func (s *script) getRuntime() (*runtime, error) {
	select {
	case r := <-s.pool:
		return r, nil
	default:
	}

	vm, err := s.artifact.newRuntime()
	if err != nil {
		return nil, err
	}

	d, err := declarations(vm, s.name, s.phase)
	if err != nil {
		return nil, err
	}

	return &runtime{vm: vm, declared: d}, nil
}

func (s *script) putRuntime(r *runtime) {
	select {
	case s.pool <- r:
	default:
	}
}

func (s *script) ShouldFilter(ctx *requestcontext.Context) bool {
	r, err := s.getRuntime()
	if err != nil {
		log.Errorf("Failed to create JavaScript runtime for %s: %v", s.source, err)
		return false
	}

	defer s.putRuntime(r)
	if r.shouldFilter == nil {
		return true
	}

	jc := &jsContext{ctx: ctx}
	v, err := r.call(r.shouldFilter, jc)
	if err != nil {
		log.Errorf("Error calling shouldFilter from %s: %v", s.source, err)
		return false
	}

	return v.ToBoolean()
}

func (s *script) Run(ctx *requestcontext.Context) error {
	r, err := s.getRuntime()
	if err != nil {
		return err
	}

	defer s.putRuntime(r)
	jc := &jsContext{ctx: ctx}
	if _, err := r.call(r.run, jc); err != nil {
		if jc.aborted {
			return filters.Abort(jc.reason)
		}

		return err
	}

	return nil
}

func (r *runtime) call(fn sobek.Callable, jc *jsContext) (sobek.Value, error) {
	if c := jc.ctx.Context(); c != nil && c.Done() != nil {
		done := make(chan struct{})
		stopped := make(chan struct{})
		defer func() {
			close(done)
			<-stopped
			r.vm.ClearInterrupt()
		}()

		go func() {
			defer close(stopped)
			select {
			case <-c.Done():
				r.vm.Interrupt(c.Err())
			case <-done:
			}
		}()
	}

	return fn(sobek.Undefined(), jc.object(r.vm))
}

type jsContext struct {
	ctx     *requestcontext.Context
	aborted bool
	reason  string
}

var errAbort = errors.New("abort")

func (c *jsContext) object(vm *sobek.Runtime) *sobek.Object {
	o := vm.NewObject()
	o.Set("get", func(key string) any {
		v, _ := c.ctx.Get(key)
		if err, ok := v.(error); ok {
			return err.Error()
		}

		return v
	})

	o.Set("set", func(key string, v sobek.Value) {
		if undefined(v) {
			c.ctx.Remove(key)
			return
		}

		c.ctx.Set(key, v.Export())
	})

	o.Set("remove", c.ctx.Remove)
	o.Set("getBool", c.ctx.GetBool)
	o.Set("getString", c.ctx.GetString)
	o.Set("setRoute", c.ctx.SetRoute)
	o.Set("route", func() sobek.Value {
		if r, ok := c.ctx.Route(); ok {
			return vm.ToValue(r)
		}

		return sobek.Null()
	})

	o.Set("setStatus", c.ctx.SetResponseStatus)
	o.Set("setBody", c.ctx.SetResponseBody)
	o.Set("requestId", c.ctx.ID)
	o.Set("abort", func(call sobek.FunctionCall) sobek.Value {
		c.aborted = true
		c.reason = "aborted by filter"
		if r := call.Argument(0); !undefined(r) {
			c.reason = r.String()
		}

		panic(vm.NewGoError(fmt.Errorf("%w: %s", errAbort, c.reason)))
	})

	return o
}
