package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/backend"
)

// ErrProviderNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// BackendFactory constructs a backend provider from its config block.
// The context covers construction only (e.g., resolving AWS credentials),
// not the lifetime of the provider.
type BackendFactory func(ctx context.Context, cfg BackendConfig) (backend.Provider, error)

// Registry maps backend provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]BackendFactory),
	}
}

// RegisterBackend registers a backend provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateBackend instantiates a backend provider using the factory registered
// under cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateBackend(ctx context.Context, cfg BackendConfig) (backend.Provider, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(ctx, cfg)
}
