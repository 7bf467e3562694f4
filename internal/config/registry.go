package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phishguard/phishguard/pkg/provider/analysis"
	"github.com/phishguard/phishguard/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AnalysisFactory builds a text analysis client from a config entry.
type AnalysisFactory func(ProviderEntry) (*analysis.Client, error)

// LiveFactory builds a realtime speech provider from a config entry.
type LiveFactory func(ProviderEntry) (live.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	analysis map[string]AnalysisFactory
	live     map[string]LiveFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		analysis: make(map[string]AnalysisFactory),
		live:     make(map[string]LiveFactory),
	}
}

// RegisterAnalysis registers a text analysis factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAnalysis(name string, factory AnalysisFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysis[name] = factory
}

// RegisterLive registers a realtime speech provider factory under name.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// CreateAnalysis instantiates a text analysis client using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateAnalysis(entry ProviderEntry) (*analysis.Client, error) {
	r.mu.RLock()
	factory, ok := r.analysis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: analysis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLive instantiates a realtime speech provider using the factory
// registered under entry.Name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
