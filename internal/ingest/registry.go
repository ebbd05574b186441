// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered sources, keyed by name.
//
// Registration happens at startup before the engine runs; a duplicate name is
// a configuration error and must abort startup, since two sources writing the
// same (source, external_id) keyspace would silently overwrite each other.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Returns an error if the name is already taken.
func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if name == "" {
		return fmt.Errorf("source name must not be empty")
	}
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("duplicate source name: %q", name)
	}
	r.sources[name] = s
	return nil
}

// Get returns the source with the given name, or nil.
func (r *Registry) Get(name string) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
