package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/filters/filtertest"
	"github.com/zalando/filtergate/logging/loggingtest"
	"github.com/zalando/filtergate/metrics"
	"github.com/zalando/filtergate/processor"
	"github.com/zalando/filtergate/requestcontext"
)

const trace = "trace"

type fixture struct {
	processor *processor.Processor
	registry  *filters.Registry
	switches  *filters.Switches
	log       *loggingtest.Logger
	metrics   *metrics.CodaHale
}

func newFixture(t *testing.T, fs ...filters.Filter) *fixture {
	t.Helper()

	f := &fixture{
		registry: filters.NewRegistry(),
		switches: filters.NewSwitches(),
		log:      loggingtest.New(),
		metrics:  metrics.NewCodaHale(metrics.Options{}),
	}

	t.Cleanup(f.log.Close)
	for _, fi := range fs {
		f.registry.Put(fi)
	}

	var err error
	f.processor, err = processor.New(processor.Options{
		Registry: f.registry,
		Switches: f.switches,
		Log:      f.log,
		Metrics:  f.metrics,
	})

	require.NoError(t, err)
	return f
}

func router() *filtertest.Filter {
	return filtertest.Router("router", 100, "https://origin.example.org")
}

func traceOf(r *processor.Result) []string {
	names, _ := r.Values[trace].([]string)
	return names
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := processor.New(processor.Options{})
	assert.Error(t, err)
}

func TestPhasesRunInOrder(t *testing.T) {
	f := newFixture(t,
		filtertest.Recorder("post", filters.Post, 0, trace),
		filtertest.Recorder("route", filters.Route, 0, trace),
		filtertest.Recorder("pre", filters.Pre, 0, trace),
		filtertest.Recorder("error", filters.Error, 0, trace),
		router(),
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, processor.Completed, r.State)
	assert.Equal(t, []string{"pre", "route", "post"}, traceOf(r))
	assert.True(t, r.Routed)
	assert.Equal(t, "https://origin.example.org", r.Route)
	assert.Nil(t, r.Cause)
}

func TestFiltersRunByOrder(t *testing.T) {
	f := newFixture(t,
		filtertest.Recorder("c", filters.Pre, 30, trace),
		filtertest.Recorder("a", filters.Pre, 10, trace),
		filtertest.Recorder("b", filters.Pre, 20, trace),
		filtertest.Recorder("z", filters.Pre, -5, trace),
		router(),
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	if d := cmp.Diff([]string{"z", "a", "b", "c"}, traceOf(r)); d != "" {
		t.Errorf("unexpected order (-want +got):\n%s", d)
	}
}

func TestEqualOrdersRunByName(t *testing.T) {
	f := newFixture(t,
		filtertest.Recorder("zeta", filters.Pre, 5, trace),
		filtertest.Recorder("alpha", filters.Pre, 5, trace),
		filtertest.Recorder("mu", filters.Pre, 5, trace),
		router(),
	)

	for i := 0; i < 50; i++ {
		r, err := f.processor.Process(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, []string{"alpha", "mu", "zeta"}, traceOf(r))
	}
}

func TestFailingFilterIsIsolated(t *testing.T) {
	failing := &filtertest.Filter{FilterName: "failing", FilterType: filters.Pre, FilterOrder: 10, Err: errors.New("boom")}
	f := newFixture(t,
		filtertest.Recorder("first", filters.Pre, 5, trace),
		failing,
		filtertest.Recorder("next", filters.Pre, 20, trace),
		filtertest.Recorder("post", filters.Post, 0, trace),
		router(),
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, processor.Completed, r.State)
	assert.Equal(t, []string{"first", "next", "post"}, traceOf(r))
	assert.Equal(t, int64(1), failing.Calls.Load())

	require.Len(t, r.Errors, 1)
	assert.Equal(t, "failing", r.Errors[0].Name)

	var rerr *processor.FilterRuntimeError
	require.True(t, errors.As(r.Errors[0].Err, &rerr))
	assert.Equal(t, "failing", rerr.Name)
	assert.Equal(t, filters.Pre, rerr.Phase)
	assert.EqualError(t, rerr.Err, "boom")
	assert.False(t, rerr.Aborted())

	assert.Contains(t, r.Values, requestcontext.ErrorKeyPrefix+"failing")
	assert.NoError(t, f.log.WaitFor("failing", time.Second))
	assert.Equal(t, int64(1), f.metrics.Registry().Get("errors.filter.pre.failing").(interface{ Count() int64 }).Count())
}

func TestPanickingFilterIsIsolated(t *testing.T) {
	f := newFixture(t,
		&filtertest.Filter{FilterName: "panicking", FilterType: filters.Pre, Panic: "oops"},
		filtertest.Recorder("next", filters.Pre, 1, trace),
		router(),
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, traceOf(r))

	require.Len(t, r.Errors, 1)
	var rerr *processor.FilterRuntimeError
	require.True(t, errors.As(r.Errors[0].Err, &rerr))
	assert.Contains(t, rerr.Err.Error(), "oops")
	assert.NotEmpty(t, rerr.Stack)
}

type panickingPredicate struct {
	filtertest.Filter
}

func (*panickingPredicate) ShouldFilter(*requestcontext.Context) bool { panic("predicate") }

func TestPanickingPredicateIsIsolated(t *testing.T) {
	p := &panickingPredicate{Filter: filtertest.Filter{FilterName: "predicate", FilterType: filters.Pre}}
	f := newFixture(t, p, filtertest.Recorder("next", filters.Pre, 1, trace), router())

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, traceOf(r))
	assert.Len(t, r.Errors, 1)
	assert.Zero(t, p.Calls.Load())
}

func TestShouldFilterSkips(t *testing.T) {
	skipped := &filtertest.Filter{FilterName: "skipped", FilterType: filters.Pre, Skip: true}
	f := newFixture(t, skipped, router())

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, skipped.Calls.Load())
	assert.Empty(t, r.Errors)
	assert.Equal(t, requestcontext.Skipped, r.Executions[0].Status)
}

func TestDisabledFilter(t *testing.T) {
	auth := filtertest.Recorder("auth", filters.Pre, 10, trace)
	log := filtertest.Recorder("log", filters.Pre, 20, trace)
	f := newFixture(t, auth, log, router())

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "log"}, traceOf(r))

	f.switches.Disable("auth")
	r, err = f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, traceOf(r))
	assert.Equal(t, int64(1), auth.Calls.Load())
	assert.Equal(t, requestcontext.Execution{Name: "auth", Phase: "pre", Status: requestcontext.Disabled}, r.Executions[0])

	f.switches.Enable("auth")
	r, err = f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "log"}, traceOf(r))
}

func TestAbortEntersErrorPhase(t *testing.T) {
	skippedPre := filtertest.Recorder("after", filters.Pre, 20, trace)
	post := filtertest.Recorder("post", filters.Post, 0, trace)
	f := newFixture(t,
		&filtertest.Filter{FilterName: "auth", FilterType: filters.Pre, FilterOrder: 10, Err: filters.Abort("unauthorized")},
		skippedPre,
		router(),
		post,
		&filtertest.Filter{
			FilterName: "errors",
			FilterType: filters.Error,
			OnRun: func(ctx *requestcontext.Context) {
				ctx.SetResponseStatus(401)
				ctx.SetResponseBody(ctx.Err().Error())
			},
		},
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, processor.AbortedToError, r.State)
	assert.Zero(t, skippedPre.Calls.Load())
	assert.Zero(t, post.Calls.Load())
	assert.Equal(t, 401, r.ResponseStatus)
	assert.Contains(t, r.ResponseBody, "unauthorized")
	assert.ErrorIs(t, r.Cause, filters.ErrAbort)

	var rerr *processor.FilterRuntimeError
	require.True(t, errors.As(r.Cause, &rerr))
	assert.True(t, rerr.Aborted())
	assert.Equal(t, "auth", rerr.Name)
}

func TestAbortInPostPhase(t *testing.T) {
	errorFilter := filtertest.Recorder("errors", filters.Error, 0, trace)
	f := newFixture(t,
		router(),
		&filtertest.Filter{FilterName: "post", FilterType: filters.Post, Err: filters.Abort("stop")},
		errorFilter,
	)

	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, processor.AbortedToError, r.State)
	assert.Equal(t, []string{"errors"}, traceOf(r))
}

func TestMissingRouteDecision(t *testing.T) {
	errorFilter := filtertest.Recorder("errors", filters.Error, 0, trace)
	post := filtertest.Recorder("post", filters.Post, 0, trace)
	f := newFixture(t,
		filtertest.Recorder("pre", filters.Pre, 0, trace),
		post,
		errorFilter,
	)

	r, err := f.processor.Process(context.Background(), nil)

	var cerr *processor.ChainConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, r.RequestID, cerr.RequestID)
	assert.Empty(t, cerr.Filters)
	assert.Equal(t, processor.AbortedToError, r.State)
	assert.Equal(t, []string{"pre", "errors"}, traceOf(r))
	assert.Zero(t, post.Calls.Load())
	assert.False(t, r.Routed)
}

func TestRouteFiltersWithoutDecision(t *testing.T) {
	f := newFixture(t, filtertest.Recorder("route", filters.Route, 0, trace))

	_, err := f.processor.Process(context.Background(), nil)

	var cerr *processor.ChainConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"route"}, cerr.Filters)
}

func TestErrorPhaseFailureIsFatal(t *testing.T) {
	for _, tt := range []struct {
		title  string
		filter *filtertest.Filter
	}{{
		title:  "error",
		filter: &filtertest.Filter{FilterName: "broken", FilterType: filters.Error, Err: errors.New("boom")},
	}, {
		title:  "panic",
		filter: &filtertest.Filter{FilterName: "broken", FilterType: filters.Error, Panic: "boom"},
	}, {
		title:  "abort",
		filter: &filtertest.Filter{FilterName: "broken", FilterType: filters.Error, Err: filters.Abort("boom")},
	}} {
		t.Run(tt.title, func(t *testing.T) {
			next := filtertest.Recorder("next", filters.Error, 10, trace)
			f := newFixture(t,
				&filtertest.Filter{FilterName: "auth", FilterType: filters.Pre, Err: filters.Abort("denied")},
				tt.filter,
				next,
			)

			r, err := f.processor.Process(context.Background(), nil)

			var ferr *processor.FatalEngineError
			require.True(t, errors.As(err, &ferr))
			assert.Equal(t, "broken", ferr.Name)
			assert.ErrorIs(t, ferr.Cause, filters.ErrAbort)
			assert.Equal(t, processor.Failed, r.State)
			assert.Zero(t, next.Calls.Load())
		})
	}
}

func TestCanceledBeforeStart(t *testing.T) {
	errorFilter := filtertest.Recorder("errors", filters.Error, 0, trace)
	pre := filtertest.Recorder("pre", filters.Pre, 0, trace)
	f := newFixture(t, pre, router(), errorFilter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := f.processor.Process(ctx, nil)
	assert.ErrorIs(t, err, processor.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, processor.Failed, r.State)
	assert.Zero(t, pre.Calls.Load())
	assert.Zero(t, errorFilter.Calls.Load())
}

func TestCanceledDuringChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := filtertest.Recorder("next", filters.Pre, 20, trace)
	f := newFixture(t,
		&filtertest.Filter{
			FilterName:  "timeout",
			FilterType:  filters.Pre,
			FilterOrder: 10,
			OnRun:       func(*requestcontext.Context) { cancel() },
		},
		next,
		router(),
	)

	r, err := f.processor.Process(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, processor.Failed, r.State)
	assert.Zero(t, next.Calls.Load())
}

func TestContextIsReleased(t *testing.T) {
	for _, tt := range []struct {
		title   string
		filters []filters.Filter
		ctx     func() context.Context
	}{{
		title:   "completed",
		filters: []filters.Filter{router()},
	}, {
		title: "panic in error phase",
		filters: []filters.Filter{
			&filtertest.Filter{FilterName: "a", FilterType: filters.Pre, Err: filters.Abort("a")},
			&filtertest.Filter{FilterName: "e", FilterType: filters.Error, Panic: "e"},
		},
	}, {
		title:   "canceled",
		filters: []filters.Filter{router()},
		ctx: func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		},
	}} {
		t.Run(tt.title, func(t *testing.T) {
			f := newFixture(t, tt.filters...)
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}

			var rc *requestcontext.Context
			r, _ := f.processor.Process(ctx, func(c *requestcontext.Context) {
				rc = c
				c.Set("user", "jdoe")
			})

			assert.Equal(t, "jdoe", r.Values["user"])
			assert.Empty(t, rc.ID())
			assert.False(t, rc.Has("user"))
		})
	}
}

func TestValuesFlowFromPreToPost(t *testing.T) {
	f := newFixture(t,
		&filtertest.Filter{
			FilterName: "pre",
			FilterType: filters.Pre,
			OnRun: func(ctx *requestcontext.Context) {
				ctx.Set("decision", "allow:"+ctx.GetString("user"))
			},
		},
		router(),
		&filtertest.Filter{
			FilterName: "post",
			FilterType: filters.Post,
			OnRun: func(ctx *requestcontext.Context) {
				ctx.Set("seen", ctx.GetString("decision"))
			},
		},
	)

	const n = 64
	var wg sync.WaitGroup
	results := make([]*processor.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.processor.Process(context.Background(), func(ctx *requestcontext.Context) {
				ctx.Set("user", fmt.Sprintf("user-%d", i))
			})

			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	wg.Wait()
	ids := make(map[string]bool)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("allow:user-%d", i), r.Values["seen"])
		ids[r.RequestID] = true
	}

	assert.Len(t, ids, n)
}

func TestReloadDuringRequests(t *testing.T) {
	f := newFixture(t, router())
	f.registry.Put(filters.New("version", filters.Pre, 0, func(ctx *requestcontext.Context) error {
		ctx.Set("version", 0)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := 1; v <= 100; v++ {
			f.registry.Put(filters.New("version", filters.Pre, 0, func(ctx *requestcontext.Context) error {
				ctx.Set("version", v)
				return nil
			}))
		}
	}()

	for i := 0; i < 200; i++ {
		r, err := f.processor.Process(context.Background(), nil)
		require.NoError(t, err)
		require.Len(t, r.Executions, 2)
		require.Contains(t, r.Values, "version")
	}

	<-done
	r, err := f.processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Values["version"])
}

func TestRunPhase(t *testing.T) {
	f := newFixture(t,
		filtertest.Recorder("a", filters.Pre, 2, trace),
		filtertest.Recorder("b", filters.Pre, 1, trace),
		&filtertest.Filter{FilterName: "fatal", FilterType: filters.Error, Err: errors.New("boom")},
	)

	rc := requestcontext.New(context.Background())
	require.NoError(t, f.processor.RunPhase(rc, filters.Pre))
	v, _ := rc.Get(trace)
	assert.Equal(t, []string{"b", "a"}, v)

	var ferr *processor.FatalEngineError
	assert.True(t, errors.As(f.processor.RunPhase(rc, filters.Error), &ferr))

	// phases without filters are no-op
	assert.NoError(t, f.processor.RunPhase(rc, filters.Phase("custom")))
}

func TestChainMetrics(t *testing.T) {
	f := newFixture(t, router())
	f.processor.Process(context.Background(), nil)
	f.processor.Process(context.Background(), nil)

	c, ok := f.metrics.Registry().Get("chain.completed").(interface{ Count() int64 })
	require.True(t, ok)
	assert.Equal(t, int64(2), c.Count())
	assert.NotNil(t, f.metrics.Registry().Get("filter.route.router"))
}
