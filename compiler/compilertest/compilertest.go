/*
Package compilertest implements a compiler for tests, that counts the
compilations and creates filters from a small line based format:

	name=auth
	type=pre
	order=10
	route=https://origin.example.org
	set=key:value
	fail=message
	abort=message

Every line is optional. A source containing the line "syntax error" fails
to compile.
*/
package compilertest

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/requestcontext"
)

// Compiler implements compiler.Compiler. The zero value is ready to use.
type Compiler struct {
	mu    sync.Mutex
	calls map[string]int
}

type artifact struct {
	props map[string]string
	sets  [][2]string
}

// Filter is the filter created by the test compiler.
type Filter struct {
	name  string
	phase filters.Phase
	order int
	a     *artifact
}

func (c *Compiler) count(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}

	c.calls[name]++
}

// Calls returns how many times the given name or path was compiled.
func (c *Compiler) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// Total returns the number of all compilations.
func (c *Compiler) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}

	return n
}

func (c *Compiler) Compile(source, name string) (compiler.Artifact, error) {
	c.count(name)
	return parse(source, name)
}

func (c *Compiler) CompileFile(path string) (compiler.Artifact, error) {
	c.count(path)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, compiler.NewError(path, err)
	}

	return parse(string(b), path)
}

func parse(source, name string) (*artifact, error) {
	a := &artifact{props: make(map[string]string)}
	s := bufio.NewScanner(strings.NewReader(source))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}

		if line == "syntax error" {
			return nil, compiler.Errorf(name, "syntax error")
		}

		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, compiler.Errorf(name, "invalid line: %s", line)
		}

		if k == "set" {
			sk, sv, _ := strings.Cut(v, ":")
			a.sets = append(a.sets, [2]string{sk, sv})
			continue
		}

		a.props[k] = v
	}

	if o, ok := a.props["order"]; ok {
		if _, err := strconv.Atoi(o); err != nil {
			return nil, compiler.NewError(name, err)
		}
	}

	return a, nil
}

func (a *artifact) Instantiate(name string, defaultPhase filters.Phase) (filters.Filter, error) {
	f := &Filter{name: name, phase: defaultPhase, a: a}
	if n, ok := a.props["name"]; ok {
		f.name = n
	}

	if t, ok := a.props["type"]; ok {
		f.phase = filters.Phase(t)
	}

	if f.phase == "" {
		return nil, compiler.Errorf(name, "missing filter type")
	}

	f.order, _ = strconv.Atoi(a.props["order"])
	return f, nil
}

func (f *Filter) Name() string                              { return f.name }
func (f *Filter) Type() filters.Phase                       { return f.phase }
func (f *Filter) Order() int                                { return f.order }
func (f *Filter) ShouldFilter(*requestcontext.Context) bool { return true }

func (f *Filter) Run(ctx *requestcontext.Context) error {
	for _, kv := range f.a.sets {
		ctx.Set(kv[0], kv[1])
	}

	if r, ok := f.a.props["route"]; ok {
		ctx.SetRoute(r)
	}

	if m, ok := f.a.props["abort"]; ok {
		return filters.Abort(m)
	}

	if m, ok := f.a.props["fail"]; ok {
		return errors.New(m)
	}

	return nil
}
