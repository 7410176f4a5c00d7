package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

// ErrProviderNotRegistered means no factory exists for a provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a speech-to-speech backend from its config entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// Registry resolves providers.s2s.name to a backend. The binary registers
// the built-in backends at startup; tests register stubs.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]S2SFactory
}

// NewRegistry returns a registry with no backends.
func NewRegistry() *Registry {
	return &Registry{s2s: map[string]S2SFactory{}}
}

// RegisterS2S binds name to f, replacing any earlier binding.
func (r *Registry) RegisterS2S(name string, f S2SFactory) {
	r.mu.Lock()
	r.s2s[name] = f
	r.mu.Unlock()
}

// CreateS2S builds the backend named by entry.Name. Factory errors are
// wrapped with the provider name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	f := r.s2s[entry.Name]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: s2s %q (known: %v)", ErrProviderNotRegistered, entry.Name, r.S2SNames())
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create s2s %q: %w", entry.Name, err)
	}
	return p, nil
}

// S2SNames lists the registered backend names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.s2s))
}
