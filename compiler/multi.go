package compiler

import "path/filepath"

// Backend is a Compiler together with the file names it accepts.
type Backend struct {
	Compiler Compiler
	Accept   FilenameFilter
}

// Multi dispatches the compilation to the first backend accepting the
// file name. Source text with a name without extension is compiled by the
// first backend.
type Multi []Backend

// Accept tells whether any of the backends accepts the file name.
func (m Multi) Accept(name string) bool {
	for _, b := range m {
		if b.Accept(name) {
			return true
		}
	}

	return false
}

func (m Multi) Compile(source, name string) (Artifact, error) {
	for _, b := range m {
		if b.Accept(name) {
			return b.Compiler.Compile(source, name)
		}
	}

	if len(m) > 0 && filepath.Ext(name) == "" {
		return m[0].Compiler.Compile(source, name)
	}

	return nil, NewError(name, ErrNoBackend)
}

func (m Multi) CompileFile(path string) (Artifact, error) {
	for _, b := range m {
		if b.Accept(path) {
			return b.Compiler.CompileFile(path)
		}
	}

	return nil, NewError(path, ErrNoBackend)
}
