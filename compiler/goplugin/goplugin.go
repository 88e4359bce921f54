/*
Package goplugin implements a compiler backend loading filters from Go
plugins.

A filter plugin is built with go build -buildmode=plugin and exports the
function:

	func NewFilter(name string) (filters.Filter, error)

The plugin is opened when the file is compiled, and NewFilter is called
when the artifact is instantiated. Go plugins can't be unloaded, and a
plugin opened from the same path again returns the already loaded one,
so a changed filter needs to be deployed under a new file name.
*/
package goplugin

import (
	"plugin"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
)

// Symbol is the name of the function that the plugins need to export.
const Symbol = "NewFilter"

// Accept accepts Go plugin files.
var Accept = compiler.SuffixFilter(".so")

// NewFunc is the signature of the exported function.
type NewFunc func(name string) (filters.Filter, error)

// Compiler loads Go plugins.
type Compiler struct{}

var _ compiler.Compiler = Compiler{}

type artifact struct {
	path string
	fn   NewFunc
}

// Compile always fails with compiler.ErrSourceNotSupported.
func (Compiler) Compile(_, name string) (compiler.Artifact, error) {
	return nil, compiler.NewError(name, compiler.ErrSourceNotSupported)
}

func (Compiler) CompileFile(path string) (compiler.Artifact, error) {
	mod, err := plugin.Open(path)
	if err != nil {
		return nil, compiler.NewError(path, err)
	}

	sym, err := mod.Lookup(Symbol)
	if err != nil {
		return nil, compiler.NewError(path, err)
	}

	return Lookup(path, sym)
}

// Lookup creates an artifact from the exported symbol of a plugin.
func Lookup(path string, sym plugin.Symbol) (compiler.Artifact, error) {
	switch fn := sym.(type) {
	case func(string) (filters.Filter, error):
		return &artifact{path: path, fn: fn}, nil
	case *func(string) (filters.Filter, error):
		return &artifact{path: path, fn: *fn}, nil
	case NewFunc:
		return &artifact{path: path, fn: fn}, nil
	default:
		return nil, compiler.Errorf(path, "%s has wrong signature: %T", Symbol, sym)
	}
}

func (a *artifact) Instantiate(name string, _ filters.Phase) (filters.Filter, error) {
	f, err := a.fn(name)
	if err != nil {
		return nil, compiler.NewError(a.path, err)
	}

	if f == nil {
		return nil, compiler.Errorf(a.path, "%s returned no filter", Symbol)
	}

	if f.Type() == "" {
		return nil, compiler.Errorf(a.path, "filter %s has no type", f.Name())
	}

	return f, nil
}
