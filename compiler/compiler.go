/*
Package compiler defines how filter sources are turned into executable
filters.

A Compiler produces an Artifact from source text or from a source file.
The Artifact is instantiated into a filters.Filter, which reads its name,
phase and order from the compiled source itself. Different backends
implement the Compiler interface for different source types, e.g. the lua
and the javascript packages. Multi combines several of them, selecting
the backend by the file name suffix.

Compilation errors are reported as *CompilationError, carrying the name
or the path of the source and a human readable diagnostic.
*/
package compiler

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zalando/filtergate/filters"
)

// ErrNoBackend is returned by Multi when none of its backends accepts a
// file.
var ErrNoBackend = errors.New("no compiler backend for file")

// ErrSourceNotSupported is returned by backends that can only load
// files, when they are asked to compile source text.
var ErrSourceNotSupported = errors.New("compiler backend can only load files")

// Compiler turns filter source into an executable artifact. Compiling the
// same source again produces an equivalent, independent artifact.
type Compiler interface {

	// Compiles source text. The name identifies the source in
	// diagnostics, and it is the default name of the filter.
	Compile(source, name string) (Artifact, error)

	// Compiles a source file.
	CompileFile(path string) (Artifact, error)
}

// Artifact is the compiled form of a filter source.
type Artifact interface {

	// Creates the filter. The name is used when the source doesn't
	// declare one, and the phase when the source doesn't declare its
	// type.
	Instantiate(name string, defaultPhase filters.Phase) (filters.Filter, error)
}

// CompilationError is returned when a filter source cannot be compiled
// or instantiated.
type CompilationError struct {

	// Name or path of the source.
	Name string

	// Human readable description of the problem.
	Diagnostic string

	// The underlying error of the backend, if any.
	Err error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compilation of %s failed: %s", e.Name, e.Diagnostic)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// NewError creates a CompilationError from the error of a backend.
func NewError(name string, err error) *CompilationError {
	var cerr *CompilationError
	if errors.As(err, &cerr) {
		return cerr
	}

	return &CompilationError{Name: name, Diagnostic: err.Error(), Err: err}
}

// Errorf creates a CompilationError with a formatted diagnostic.
func Errorf(name, format string, args ...any) *CompilationError {
	return &CompilationError{Name: name, Diagnostic: fmt.Sprintf(format, args...)}
}

// Source is a filter source discovered by the file manager, or passed in
// directly.
type Source struct {

	// Logical name, by default the base name of the file without the
	// extension.
	Name string

	// Path of the source file, empty for in-memory sources.
	Path string

	// Phase of the directory where the source was found.
	Phase filters.Phase

	Content     []byte
	Fingerprint string
	ModTime     time.Time
}

// Identity returns the key of the source: its path, or its name for
// in-memory sources.
func (s Source) Identity() string {
	if s.Path != "" {
		return s.Path
	}

	return s.Name
}

// Fingerprint returns the content hash of a source.
func Fingerprint(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// Order converts a declared numeric filter order. Fractions are
// truncated. Values that are not finite or don't fit in 32 bits are
// rejected.
func Order(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("filter order out of range: %v", v)
	}

	return int(v), nil
}

// NameOf returns the logical name of a source file: its base name without
// the extension.
func NameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FilenameFilter decides whether a file name is a filter source.
type FilenameFilter func(name string) bool

// SuffixFilter accepts the file names with one of the given suffixes.
// Hidden files are never accepted.
func SuffixFilter(suffixes ...string) FilenameFilter {
	return func(name string) bool {
		base := filepath.Base(name)
		if strings.HasPrefix(base, ".") {
			return false
		}

		for _, s := range suffixes {
			if strings.HasSuffix(base, s) {
				return true
			}
		}

		return false
	}
}
