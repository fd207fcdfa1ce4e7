// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package breaker

import (
	"sort"
	"sync"
)

// Set is a registry of named breakers sharing a template configuration. There
// should be one breaker per logically distinct call site.
type Set struct {
	template Config

	mtx      sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates a Set. The template's Name is ignored.
func NewSet(template *Config) *Set {
	return &Set{
		template: *template,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it from the template if needed.
func (s *Set) Get(name string) *Breaker {
	s.mtx.RLock()
	b, found := s.breakers[name]
	s.mtx.RUnlock()
	if found {
		return b
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if b, found = s.breakers[name]; found {
		return b
	}
	cfg := s.template
	cfg.Name = name
	b = New(&cfg)
	s.breakers[name] = b
	return b
}

// Snapshot returns the stats of every breaker, sorted by name.
func (s *Set) Snapshot() []Stats {
	s.mtx.RLock()
	stats := make([]Stats, 0, len(s.breakers))
	for _, b := range s.breakers {
		stats = append(stats, b.Stats())
	}
	s.mtx.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll closes every breaker.
func (s *Set) ResetAll() {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}
