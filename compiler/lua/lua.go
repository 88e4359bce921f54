/*
Package lua implements a compiler backend for filters written in Lua.

A Lua filter declares its properties as globals and implements the run
function, and optionally should_filter:

	filter_type  = "pre"  -- defaults to the phase of the directory
	filter_order = 10     -- defaults to 0
	filter_name  = "auth" -- defaults to the file name without extension

	function should_filter(ctx)
		return ctx.get("user") ~= nil
	end

	function run(ctx)
		if not ctx.get_bool("authorized") then
			ctx.abort("unauthorized")
		end
	end

The properties can be functions, too, e.g. function filter_order() return
10 end.

The ctx table provides access to the request context: get(key),
set(key, value), remove(key), get_bool(key), get_string(key),
set_route(target), route(), set_status(code), set_body(text),
request_id() and abort(reason). Calling abort stops the script and the
remaining filters of the phase.

Lua states are not safe for concurrent use, so every filter keeps a pool
of states, each initialized with the compiled code. Globals set by the
script while running are kept by the state and therefore shared between
subsequent requests using the same state.
*/
package lua

import (
	"fmt"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
)

const defaultPoolSize = 8

// Accept accepts Lua source files.
var Accept = compiler.SuffixFilter(".lua")

// Options of the Lua compiler.
type Options struct {

	// Maximum number of idle Lua states kept per filter. Defaults to 8.
	PoolSize int

	// Enabled standard modules. When empty, all modules are enabled.
	// A module, e.g. "string", or a single symbol of a module, e.g.
	// "string.format", can be listed. Use "base" for the base
	// functions.
	Modules []string
}

// Compiler compiles Lua sources.
type Compiler struct {
	poolSize int
	modules  map[string][]string
}

type artifact struct {
	name     string
	proto    *lua.FunctionProto
	poolSize int
	modules  map[string][]string
}

var _ compiler.Compiler = &Compiler{}

// New creates a Lua compiler.
func New(o Options) *Compiler {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}

	return &Compiler{poolSize: o.PoolSize, modules: moduleConfig(o.Modules)}
}

func (c *Compiler) Compile(source, name string) (compiler.Artifact, error) {
	return c.compile(strings.NewReader(source), name)
}

func (c *Compiler) CompileFile(path string) (compiler.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, compiler.NewError(path, err)
	}

	defer f.Close()
	return c.compile(f, path)
}

func (c *Compiler) compile(r io.Reader, name string) (compiler.Artifact, error) {
	chunk, err := parse.Parse(r, name)
	if err != nil {
		return nil, compiler.NewError(name, err)
	}

	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, compiler.NewError(name, err)
	}

	a := &artifact{name: name, proto: proto, poolSize: c.poolSize, modules: c.modules}

	// executing the chunk once validates the declarations early, so
	// that a broken source never replaces a working filter
	L, err := a.newState()
	if err != nil {
		return nil, compiler.NewError(name, err)
	}

	defer L.Close()
	if _, err := declarations(L, "", ""); err != nil {
		return nil, compiler.NewError(name, err)
	}

	return a, nil
}

func (a *artifact) newState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openModules(L, a.modules)

	L.Push(L.NewFunctionFromProto(a.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, err
	}

	return L, nil
}

type declared struct {
	name         string
	phase        filters.Phase
	order        int
	shouldFilter bool
}

func declaration(L *lua.LState, name string) (lua.LValue, error) {
	v := L.GetGlobal(name)
	if v.Type() != lua.LTFunction {
		return v, nil
	}

	if err := L.CallByParam(lua.P{Fn: v, NRet: 1, Protect: true}); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	v = L.Get(-1)
	L.Pop(1)
	return v, nil
}

func declarations(L *lua.LState, defaultName string, defaultPhase filters.Phase) (declared, error) {
	d := declared{name: defaultName, phase: defaultPhase}

	if L.GetGlobal("run").Type() != lua.LTFunction {
		return d, fmt.Errorf("missing function: run")
	}

	d.shouldFilter = L.GetGlobal("should_filter").Type() == lua.LTFunction

	v, err := declaration(L, "filter_name")
	if err != nil {
		return d, err
	}

	switch v.Type() {
	case lua.LTNil:
	case lua.LTString:
		d.name = v.String()
	default:
		return d, fmt.Errorf("invalid filter_name: %s", v.Type())
	}

	v, err = declaration(L, "filter_type")
	if err != nil {
		return d, err
	}

	switch v.Type() {
	case lua.LTNil:
	case lua.LTString:
		d.phase = filters.Phase(v.String())
	default:
		return d, fmt.Errorf("invalid filter_type: %s", v.Type())
	}

	v, err = declaration(L, "filter_order")
	if err != nil {
		return d, err
	}

	switch v.Type() {
	case lua.LTNil:
	case lua.LTNumber:
		if d.order, err = compiler.Order(float64(v.(lua.LNumber))); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("invalid filter_order: %s", v.Type())
	}

	return d, nil
}

func (a *artifact) Instantiate(name string, defaultPhase filters.Phase) (filters.Filter, error) {
	L, err := a.newState()
	if err != nil {
		return nil, compiler.NewError(a.name, err)
	}

	d, err := declarations(L, name, defaultPhase)
	if err != nil {
		L.Close()
		return nil, compiler.NewError(a.name, err)
	}

	if d.phase == "" {
		L.Close()
		return nil, compiler.Errorf(a.name, "missing filter_type")
	}

	f := &script{
		declared: d,
		source:   a.name,
		artifact: a,
		pool:     make(chan *lua.LState, a.poolSize),
	}

	f.pool <- L
	return f, nil
}
