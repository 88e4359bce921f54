package lua

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/requestcontext"
)

type script struct {
	declared
	source   string
	artifact *artifact
	pool     chan *lua.LState
	closed   atomic.Bool
}

func (s *script) Name() string        { return s.name }
func (s *script) Type() filters.Phase { return s.phase }
func (s *script) Order() int          { return s.order }

func (s *script) String() string {
	return fmt.Sprintf("lua:%s(%s, %d)", s.name, s.phase, s.order)
}

func (s *script) getState() (*lua.LState, error) {
	select {
	case L := <-s.pool:
		return L, nil
	default:
		return s.artifact.newState()
	}
}

func (s *script) putState(L *lua.LState) {
	if s.closed.Load() {
		L.Close()
		return
	}

	select {
	case s.pool <- L:
	default:
		L.Close()
	}
}

// Close releases the idle Lua states. States in use are released when
// the running calls return.
func (s *script) Close() error {
	s.closed.Store(true)
	for {
		select {
		case L := <-s.pool:
			L.Close()
		default:
			return nil
		}
	}
}

func (s *script) ShouldFilter(ctx *requestcontext.Context) bool {
	if !s.shouldFilter {
		return true
	}

	L, err := s.getState()
	if err != nil {
		log.Errorf("Failed to create Lua state for %s: %v", s.source, err)
		return false
	}

	defer s.putState(L)
	lc := &luaContext{ctx: ctx}
	ret, err := s.call(L, "should_filter", lc, 1)
	if err != nil {
		log.Errorf("Error calling should_filter from %s: %v", s.source, err)
		return false
	}

	return lua.LVAsBool(ret)
}

func (s *script) Run(ctx *requestcontext.Context) error {
	L, err := s.getState()
	if err != nil {
		return err
	}

	defer s.putState(L)
	lc := &luaContext{ctx: ctx}
	if _, err := s.call(L, "run", lc, 0); err != nil {
		if lc.aborted {
			return filters.Abort(lc.reason)
		}

		return err
	}

	return nil
}

func (s *script) call(L *lua.LState, name string, lc *luaContext, nret int) (lua.LValue, error) {
	if c := lc.ctx.Context(); c != nil && c.Done() != nil {
		L.SetContext(c)
		defer L.RemoveContext()
	}

	err := L.CallByParam(
		lua.P{
			Fn:      L.GetGlobal(name),
			NRet:    nret,
			Protect: true,
		},
		lc.table(L),
	)
	if err != nil {
		return lua.LNil, err
	}

	if nret == 0 {
		return lua.LNil, nil
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

type luaContext struct {
	ctx     *requestcontext.Context
	aborted bool
	reason  string
}

func (c *luaContext) table(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	for name, fn := range map[string]lua.LGFunction{
		"get":        c.get,
		"set":        c.set,
		"remove":     c.remove,
		"get_bool":   c.getBool,
		"get_string": c.getString,
		"set_route":  c.setRoute,
		"route":      c.route,
		"set_status": c.setStatus,
		"set_body":   c.setBody,
		"request_id": c.requestID,
		"abort":      c.abort,
	} {
		t.RawSetString(name, L.NewFunction(fn))
	}

	return t
}

func (c *luaContext) get(L *lua.LState) int {
	key := L.CheckString(1)
	v, _ := c.ctx.Get(key)
	lv, err := toLua(L, v)
	if err != nil {
		L.RaiseError("get %s: %v", key, err)
	}

	L.Push(lv)
	return 1
}

func (c *luaContext) set(L *lua.LState) int {
	key := L.CheckString(1)
	v, err := fromLua(L.Get(2))
	if err != nil {
		L.RaiseError("set %s: %v", key, err)
	}

	c.ctx.Set(key, v)
	return 0
}

func (c *luaContext) remove(L *lua.LState) int {
	c.ctx.Remove(L.CheckString(1))
	return 0
}

func (c *luaContext) getBool(L *lua.LState) int {
	L.Push(lua.LBool(c.ctx.GetBool(L.CheckString(1))))
	return 1
}

func (c *luaContext) getString(L *lua.LState) int {
	L.Push(lua.LString(c.ctx.GetString(L.CheckString(1))))
	return 1
}

func (c *luaContext) setRoute(L *lua.LState) int {
	c.ctx.SetRoute(L.CheckString(1))
	return 0
}

func (c *luaContext) route(L *lua.LState) int {
	r, ok := c.ctx.Route()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(lua.LString(r))
	return 1
}

func (c *luaContext) setStatus(L *lua.LState) int {
	c.ctx.SetResponseStatus(L.CheckInt(1))
	return 0
}

func (c *luaContext) setBody(L *lua.LState) int {
	c.ctx.SetResponseBody(L.CheckString(1))
	return 0
}

func (c *luaContext) requestID(L *lua.LState) int {
	L.Push(lua.LString(c.ctx.ID()))
	return 1
}

func (c *luaContext) abort(L *lua.LState) int {
	c.aborted = true
	c.reason = L.OptString(1, "aborted by filter")
	L.RaiseError("%s", c.reason)
	return 0
}

// maxDepth limits the nesting of the values passed between Lua and the
// request context.
const maxDepth = 64

var (
	errCycle   = errors.New("value contains a reference cycle")
	errTooDeep = errors.New("value is nested too deep")
)

type compositeKey struct {
	ptr uintptr
	n   int
}

type toLuaConverter struct {
	L      *lua.LState
	done   map[compositeKey]lua.LValue
	active map[compositeKey]bool
}

// toLua converts Go values to Lua values. Values shared within the
// converted value are converted once.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	c := &toLuaConverter{
		L:      L,
		done:   make(map[compositeKey]lua.LValue),
		active: make(map[compositeKey]bool),
	}

	return c.convert(v, 0)
}

func (c *toLuaConverter) convert(v any, depth int) (lua.LValue, error) {
	switch v := v.(type) {
	case nil:
		return lua.LNil, nil
	case string:
		return lua.LString(v), nil
	case bool:
		return lua.LBool(v), nil
	case int:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case int32:
		return lua.LNumber(v), nil
	case float64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case error:
		return lua.LString(v.Error()), nil
	case []string:
		t := c.L.NewTable()
		for _, s := range v {
			t.Append(lua.LString(s))
		}

		return t, nil
	case []any:
		if len(v) == 0 {
			return c.L.NewTable(), nil
		}

		return c.composite(compositeKey{reflect.ValueOf(v).Pointer(), len(v)}, depth, func(t *lua.LTable) error {
			for _, vi := range v {
				lv, err := c.convert(vi, depth+1)
				if err != nil {
					return err
				}

				t.Append(lv)
			}

			return nil
		})
	case map[string]any:
		return c.composite(compositeKey{reflect.ValueOf(v).Pointer(), -1}, depth, func(t *lua.LTable) error {
			for k, vi := range v {
				lv, err := c.convert(vi, depth+1)
				if err != nil {
					return err
				}

				t.RawSetString(k, lv)
			}

			return nil
		})
	default:
		return lua.LString(fmt.Sprint(v)), nil
	}
}

func (c *toLuaConverter) composite(k compositeKey, depth int, fill func(*lua.LTable) error) (lua.LValue, error) {
	if t, ok := c.done[k]; ok {
		return t, nil
	}

	if c.active[k] {
		return nil, errCycle
	}

	if depth >= maxDepth {
		return nil, errTooDeep
	}

	c.active[k] = true
	defer delete(c.active, k)

	t := c.L.NewTable()
	if err := fill(t); err != nil {
		return nil, err
	}

	c.done[k] = t
	return t, nil
}

type fromLuaConverter struct {
	done   map[*lua.LTable]any
	active map[*lua.LTable]bool
}

// fromLua converts Lua values to Go values. Integral numbers become
// int64, other numbers float64. Tables with a sequence part become []any,
// other tables map[string]any. Tables referencing themselves are
// rejected.
func fromLua(v lua.LValue) (any, error) {
	c := &fromLuaConverter{
		done:   make(map[*lua.LTable]any),
		active: make(map[*lua.LTable]bool),
	}

	return c.convert(v, 0)
}

func (c *fromLuaConverter) convert(v lua.LValue, depth int) (any, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}

		return f, nil
	case *lua.LTable:
		return c.table(v, depth)
	default:
		return v.String(), nil
	}
}

func (c *fromLuaConverter) table(t *lua.LTable, depth int) (any, error) {
	if r, ok := c.done[t]; ok {
		return r, nil
	}

	if c.active[t] {
		return nil, errCycle
	}

	if depth >= maxDepth {
		return nil, errTooDeep
	}

	c.active[t] = true
	defer delete(c.active, t)

	var r any
	if n := t.MaxN(); n > 0 {
		s := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			vi, err := c.convert(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}

			s = append(s, vi)
		}

		r = s
	} else {
		m := make(map[string]any)
		var err error
		t.ForEach(func(k, vi lua.LValue) {
			if err != nil {
				return
			}

			m[k.String()], err = c.convert(vi, depth+1)
		})

		if err != nil {
			return nil, err
		}

		r = m
	}

	c.done[t] = r
	return r, nil
}
