/*
Package loader compiles filter sources and publishes the resulting
filters in the registry.

The loader is the single writer of the registry: every change, from the
file manager or from the code registering inline filters, is serialized
by the loader. A source is compiled only when its content changed since
the last attempt, and a failed compilation never removes or replaces the
filter that was published from the same source before.
*/
package loader

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/logging"
	"github.com/zalando/filtergate/metrics"
)

// Options to initialize a Loader.
type Options struct {

	// Compiler of the filter sources. Required.
	Compiler compiler.Compiler

	// Registry where the compiled filters are published. Required.
	Registry *filters.Registry

	// Log receives the compilation errors and the changes. Defaults to
	// logging.DefaultLog.
	Log logging.Logger

	// Metrics counts the compilations. Optional.
	Metrics metrics.Metrics
}

type entry struct {
	fingerprint string
	name        string
}

type failure struct {
	fingerprint string
	err         *compiler.CompilationError
}

// Loader compiles and publishes filters.
type Loader struct {
	compiler compiler.Compiler
	registry *filters.Registry
	log      logging.Logger
	metrics  metrics.Metrics

	mu     sync.Mutex
	loaded map[string]entry
	failed map[string]failure
}

// New creates a Loader.
func New(o Options) (*Loader, error) {
	if o.Compiler == nil {
		return nil, errors.New("loader: missing compiler")
	}

	if o.Registry == nil {
		return nil, errors.New("loader: missing registry")
	}

	return &Loader{
		compiler: o.Compiler,
		registry: o.Registry,
		log:      logging.OrDefault(o.Log),
		metrics:  metrics.OrVoid(o.Metrics),
		loaded:   make(map[string]entry),
		failed:   make(map[string]failure),
	}, nil
}

// Load compiles a source and publishes the filter created from it,
// unless the same content was loaded from the same source before. It
// returns true when a new filter was published.
//
// When the compilation fails, the error is logged and returned as a
// *compiler.CompilationError, and the previously published filter of the
// source stays active. The same failing content is not compiled again.
func (l *Loader) Load(src compiler.Source) (bool, error) {
	if src.Fingerprint == "" {
		src.Fingerprint = compiler.Fingerprint(src.Content)
	}

	if src.Name == "" && src.Path != "" {
		src.Name = compiler.NameOf(src.Path)
	}

	id := src.Identity()
	if id == "" {
		return false, compiler.Errorf("", "missing source name")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.loaded[id]; ok && e.fingerprint == src.Fingerprint {
		return false, nil
	}

	if f, ok := l.failed[id]; ok && f.fingerprint == src.Fingerprint {
		return false, f.err
	}

	f, err := l.compile(src)
	if err != nil {
		cerr := compiler.NewError(id, err)
		l.failed[id] = failure{fingerprint: src.Fingerprint, err: cerr}
		l.metrics.IncCompilation(src.Name, false)
		l.log.Errorf("Failed to load filter source %s: %v", id, cerr)
		return false, cerr
	}

	delete(l.failed, id)
	l.metrics.IncCompilation(f.Name(), true)

	// the source renamed its filter
	var renamed string
	if prev, ok := l.loaded[id]; ok && prev.name != f.Name() {
		renamed = prev.name
	}

	if other := l.owner(f.Name()); other != "" && other != id {
		l.log.Warnf("Filter %s from %s replaces the one loaded from %s", f.Name(), id, other)
		delete(l.loaded, other)
	}

	l.loaded[id] = entry{fingerprint: src.Fingerprint, name: f.Name()}
	l.publish(f)
	if renamed != "" {
		l.unpublish(renamed)
	}

	l.log.Infof("Filter loaded: %s, %s, %d, from %s", f.Name(), f.Type(), f.Order(), id)
	return true, nil
}

func (l *Loader) compile(src compiler.Source) (filters.Filter, error) {
	var (
		a   compiler.Artifact
		err error
	)

	switch {
	case src.Path != "" && src.Content == nil:
		a, err = l.compiler.CompileFile(src.Path)
	default:
		a, err = l.compiler.Compile(string(src.Content), src.Identity())
		if src.Path != "" && errors.Is(err, compiler.ErrSourceNotSupported) {
			a, err = l.compiler.CompileFile(src.Path)
		}
	}

	if err != nil {
		return nil, err
	}

	return a.Instantiate(src.Name, src.Phase)
}

// LoadFile reads a file and loads it. The phase is used for the sources
// that don't declare their type.
func (l *Loader) LoadFile(path string, phase filters.Phase) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, compiler.NewError(path, err)
	}

	return l.Load(compiler.Source{
		Name:    compiler.NameOf(path),
		Path:    path,
		Phase:   phase,
		Content: b,
	})
}

// Remove deletes the filter published from a source, identified by its
// path or name. It returns false when nothing was loaded from it.
func (l *Loader) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.failed, id)
	e, ok := l.loaded[id]
	if !ok {
		return false
	}

	delete(l.loaded, id)
	l.unpublish(e.name)
	l.log.Infof("Filter removed: %s, from %s", e.name, id)
	return true
}

// Put publishes a filter created in code. It replaces any loaded filter
// with the same name.
func (l *Loader) Put(f filters.Filter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if other := l.owner(f.Name()); other != "" {
		l.log.Warnf("Filter %s replaces the one loaded from %s", f.Name(), other)
		delete(l.loaded, other)
	}

	l.publish(f)
}

// Fingerprint returns the fingerprint of the content last loaded from a
// source.
func (l *Loader) Fingerprint(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.loaded[id]
	return e.fingerprint, ok
}

// Sources returns the identities of the sources with a published filter.
func (l *Loader) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.loaded))
	for id := range l.loaded {
		ids = append(ids, id)
	}

	return ids
}

func (l *Loader) owner(name string) string {
	for id, e := range l.loaded {
		if e.name == name {
			return id
		}
	}

	return ""
}

func (l *Loader) publish(f filters.Filter) {
	closeFilter(l.registry.Put(f), f, l.log)
	l.metrics.UpdateFilterCount(l.registry.Len())
}

func (l *Loader) unpublish(name string) {
	if f, ok := l.registry.Remove(name); ok {
		closeFilter(f, nil, l.log)
	}

	l.metrics.UpdateFilterCount(l.registry.Len())
}

func closeFilter(f, current filters.Filter, log logging.Logger) {
	if f == nil || f == current {
		return
	}

	if c, ok := f.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Errorf("Failed to close filter %s: %v", f.Name(), err)
		}
	}
}
