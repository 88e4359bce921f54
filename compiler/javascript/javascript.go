/*
Package javascript implements a compiler backend for filters written in
JavaScript (ECMAScript 5.1 with most of ES6), using the sobek engine.

A JavaScript filter declares its properties as global variables and
implements the run function, and optionally shouldFilter:

	var filterType = "post";
	var filterOrder = 20;

	function shouldFilter(ctx) {
		return ctx.getBool("audit");
	}

	function run(ctx) {
		ctx.set("audited", ctx.requestId());
	}

filterName, filterType and filterOrder can be functions, too. The ctx
object provides get, set, remove, getBool, getString, setRoute, route,
setStatus, setBody, requestId and abort.

JavaScript runtimes are not safe for concurrent use, so every filter
keeps a pool of runtimes, each initialized by running the compiled
program.
*/
package javascript

import (
	"fmt"
	"os"

	"github.com/grafana/sobek"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
)

const defaultPoolSize = 8

// Accept accepts JavaScript source files.
var Accept = compiler.SuffixFilter(".js")

// Options of the JavaScript compiler.
type Options struct {

	// Maximum number of idle runtimes kept per filter. Defaults to 8.
	PoolSize int

	// Compile the sources in strict mode.
	Strict bool
}

// Compiler compiles JavaScript sources.
type Compiler struct {
	poolSize int
	strict   bool
}

type artifact struct {
	name     string
	program  *sobek.Program
	poolSize int
}

var _ compiler.Compiler = &Compiler{}

// New creates a JavaScript compiler.
func New(o Options) *Compiler {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}

	return &Compiler{poolSize: o.PoolSize, strict: o.Strict}
}

func (c *Compiler) Compile(source, name string) (compiler.Artifact, error) {
	p, err := sobek.Compile(name, source, c.strict)
	if err != nil {
		return nil, compiler.NewError(name, err)
	}

	a := &artifact{name: name, program: p, poolSize: c.poolSize}
	vm, err := a.newRuntime()
	if err != nil {
		return nil, compiler.NewError(name, err)
	}

	if _, err := declarations(vm, "", ""); err != nil {
		return nil, compiler.NewError(name, err)
	}

	return a, nil
}

func (c *Compiler) CompileFile(path string) (compiler.Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, compiler.NewError(path, err)
	}

	return c.Compile(string(b), path)
}

func (a *artifact) newRuntime() (*sobek.Runtime, error) {
	vm := sobek.New()
	if _, err := vm.RunProgram(a.program); err != nil {
		return nil, err
	}

	return vm, nil
}

type declared struct {
	name         string
	phase        filters.Phase
	order        int
	shouldFilter sobek.Callable
	run          sobek.Callable
}

func undefined(v sobek.Value) bool {
	return v == nil || sobek.IsUndefined(v) || sobek.IsNull(v)
}

func declaration(vm *sobek.Runtime, name string) (any, error) {
	v := vm.Get(name)
	if undefined(v) {
		return nil, nil
	}

	if fn, ok := sobek.AssertFunction(v); ok {
		var err error
		v, err = fn(sobek.Undefined())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		if undefined(v) {
			return nil, nil
		}
	}

	return v.Export(), nil
}

func declarations(vm *sobek.Runtime, defaultName string, defaultPhase filters.Phase) (declared, error) {
	d := declared{name: defaultName, phase: defaultPhase}

	run, ok := sobek.AssertFunction(vm.Get("run"))
	if !ok {
		return d, fmt.Errorf("missing function: run")
	}

	d.run = run
	if v := vm.Get("shouldFilter"); !undefined(v) {
		if d.shouldFilter, ok = sobek.AssertFunction(v); !ok {
			return d, fmt.Errorf("shouldFilter is not a function")
		}
	}

	v, err := declaration(vm, "filterName")
	if err != nil {
		return d, err
	}

	switch v := v.(type) {
	case nil:
	case string:
		d.name = v
	default:
		return d, fmt.Errorf("invalid filterName: %T", v)
	}

	v, err = declaration(vm, "filterType")
	if err != nil {
		return d, err
	}

	switch v := v.(type) {
	case nil:
	case string:
		d.phase = filters.Phase(v)
	default:
		return d, fmt.Errorf("invalid filterType: %T", v)
	}

	v, err = declaration(vm, "filterOrder")
	if err != nil {
		return d, err
	}

	switch v := v.(type) {
	case nil:
	case int64:
		if d.order, err = compiler.Order(float64(v)); err != nil {
			return d, err
		}
	case float64:
		if d.order, err = compiler.Order(v); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("invalid filterOrder: %T", v)
	}

	return d, nil
}

func (a *artifact) Instantiate(name string, defaultPhase filters.Phase) (filters.Filter, error) {
	vm, err := a.newRuntime()
	if err != nil {
		return nil, compiler.NewError(a.name, err)
	}

	d, err := declarations(vm, name, defaultPhase)
	if err != nil {
		return nil, compiler.NewError(a.name, err)
	}

	if d.phase == "" {
		return nil, compiler.Errorf(a.name, "missing filterType")
	}

	s := &script{
		name:     d.name,
		phase:    d.phase,
		order:    d.order,
		source:   a.name,
		artifact: a,
		pool:     make(chan *runtime, a.poolSize),
	}

	s.pool <- &runtime{vm: vm, declared: d}
	return s, nil
}
