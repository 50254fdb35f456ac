package relay

import (
	"sort"
	"sync/atomic"
)

// Registry is an immutable snapshot of the configured sources. Callers must
// not modify the maps it returns.
type Registry struct {
	basePath string
	sources  map[string]Source
}

// NewRegistry builds a registry from sources. Later entries with the same
// name replace earlier ones.
func NewRegistry(basePath string, sources ...Source) *Registry {
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	return &Registry{basePath: basePath, sources: m}
}

// EmptyRegistry is the registry at startup.
func EmptyRegistry(basePath string) *Registry {
	return NewRegistry(basePath)
}

// Len returns the number of sources.
func (r *Registry) Len() int { return len(r.sources) }

// BasePath returns the base path used for published paths.
func (r *Registry) BasePath() string { return r.basePath }

// Get looks a source up by name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Names returns the sorted source names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NameSet returns the registry keys as a set.
func (r *Registry) NameSet() NameSet {
	s := make(NameSet, len(r.sources))
	for n := range r.sources {
		s[n] = struct{}{}
	}
	return s
}

// Sources returns the sources sorted by name.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, n := range r.Names() {
		out = append(out, r.sources[n])
	}
	return out
}

// PublishedPaths maps every name to its manifest path.
func (r *Registry) PublishedPaths() map[string]string {
	out := make(map[string]string, len(r.sources))
	for n := range r.sources {
		out[n] = PublishedPath(r.basePath, n)
	}
	return out
}

// Store holds the current registry.
// Implementations must make Swap visible to Load as a whole; readers never
// observe a partially replaced registry.
type Store interface {
	Load() *Registry
	Swap(reg *Registry) *Registry
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	current atomic.Pointer[Registry]
}

// NewInMemoryStore returns a store holding an empty registry for basePath.
func NewInMemoryStore(basePath string) *InMemoryStore {
	s := &InMemoryStore{}
	s.current.Store(EmptyRegistry(basePath))
	return s
}

// Load implements Store.Load.
func (s *InMemoryStore) Load() *Registry {
	return s.current.Load()
}

// Swap implements Store.Swap and returns the previous registry.
func (s *InMemoryStore) Swap(reg *Registry) *Registry {
	return s.current.Swap(reg)
}
