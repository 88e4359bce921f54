package filters

import (
	"sort"
	"sync"
	"sync/atomic"
)

// registryState is an immutable version of the registry contents, with
// the filters of each phase presorted for execution.
type registryState struct {
	generation uint64
	filters    map[string]Filter
	phases     map[Phase][]Filter
}

// Registry holds the active filters by name. Reads are lock free: they
// load the current immutable state. Writes are serialized, copy the
// state, apply the change and publish the new state atomically.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[registryState]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.state.Store(&registryState{
		filters: make(map[string]Filter),
		phases:  make(map[Phase][]Filter),
	})

	return r
}

func newState(generation uint64, m map[string]Filter) *registryState {
	phases := make(map[Phase][]Filter)
	for _, f := range m {
		phases[f.Type()] = append(phases[f.Type()], f)
	}

	for _, fs := range phases {
		sort.Slice(fs, func(i, j int) bool { return Less(fs[i], fs[j]) })
	}

	return &registryState{generation: generation, filters: m, phases: phases}
}

func (r *Registry) update(change func(map[string]Filter)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.state.Load()
	m := make(map[string]Filter, len(current.filters)+1)
	for k, v := range current.filters {
		m[k] = v
	}

	change(m)
	r.state.Store(newState(current.generation+1, m))
}

// Put publishes a filter under its name, replacing the previous filter
// with the same name, if any. It returns the replaced filter.
func (r *Registry) Put(f Filter) (replaced Filter) {
	r.update(func(m map[string]Filter) {
		replaced = m[f.Name()]
		m[f.Name()] = f
	})

	return
}

// Remove deletes the filter with the given name. It returns the removed
// filter and whether it was found.
func (r *Registry) Remove(name string) (removed Filter, found bool) {
	if _, ok := r.Get(name); !ok {
		return nil, false
	}

	r.update(func(m map[string]Filter) {
		removed, found = m[name]
		delete(m, name)
	})

	return
}

// Get returns the active filter with the given name.
func (r *Registry) Get(name string) (Filter, bool) {
	f, ok := r.state.Load().filters[name]
	return f, ok
}

// Snapshot returns the filters of a phase at the time of the call, in
// execution order: ascending by order, and by name when the order is
// equal. The returned slice is shared between the callers and must not
// be modified. Later changes to the registry don't affect it.
func (r *Registry) Snapshot(p Phase) []Filter {
	return r.state.Load().phases[p]
}

// Names returns the sorted names of all active filters.
func (r *Registry) Names() []string {
	s := r.state.Load()
	names := make([]string, 0, len(s.filters))
	for name := range s.filters {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Len returns the number of active filters.
func (r *Registry) Len() int {
	return len(r.state.Load().filters)
}

// Generation is incremented on every change of the registry.
func (r *Registry) Generation() uint64 {
	return r.state.Load().generation
}
