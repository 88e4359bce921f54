package filters

import (
	"sync"
	"sync/atomic"
)

// Switches hold the manual overrides disabling filters by name. A
// disabled filter is skipped by the processor regardless of its own
// predicate. The zero value has no disabled filters.
type Switches struct {
	mu       sync.Mutex
	disabled atomic.Pointer[map[string]struct{}]
}

// NewSwitches creates switches with the given filters disabled.
func NewSwitches(disabled ...string) *Switches {
	s := &Switches{}
	s.Set(disabled)
	return s
}

// Disabled tells whether the named filter is switched off.
func (s *Switches) Disabled(name string) bool {
	if s == nil {
		return false
	}

	m := s.disabled.Load()
	if m == nil {
		return false
	}

	_, ok := (*m)[name]
	return ok
}

// Set replaces all overrides.
func (s *Switches) Set(disabled []string) {
	m := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		m[name] = struct{}{}
	}

	s.mu.Lock()
	s.disabled.Store(&m)
	s.mu.Unlock()
}

func (s *Switches) Disable(name string) {
	s.change(func(m map[string]struct{}) { m[name] = struct{}{} })
}

func (s *Switches) Enable(name string) {
	s.change(func(m map[string]struct{}) { delete(m, name) })
}

// List returns the names of the disabled filters, in no particular order.
func (s *Switches) List() []string {
	m := s.disabled.Load()
	if m == nil {
		return nil
	}

	names := make([]string, 0, len(*m))
	for name := range *m {
		names = append(names, name)
	}

	return names
}

func (s *Switches) change(f func(map[string]struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]struct{})
	if current := s.disabled.Load(); current != nil {
		for k := range *current {
			next[k] = struct{}{}
		}
	}

	f(next)
	s.disabled.Store(&next)
}
