package backend

import (
	"errors"
	"fmt"
	"sync"
)

// Registry manages backend instances keyed by provider.
type Registry struct {
	backends map[BackendProvider]Backend
	mu       sync.RWMutex
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[BackendProvider]Backend),
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Provider()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, b.Provider())
	}

	r.backends[b.Provider()] = b
	return nil
}

// Get retrieves a backend by provider.
func (r *Registry) Get(provider BackendProvider) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[provider]
	return b, ok
}

// GetStreaming retrieves a backend that supports streaming.
func (r *Registry) GetStreaming(provider BackendProvider) (StreamingBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, provider)
	}

	sb, ok := b.(StreamingBackend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStreamable, provider)
	}

	return sb, nil
}

// Close closes all registered backends and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for provider, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", provider, err))
		}
	}
	r.backends = make(map[BackendProvider]Backend)

	return errors.Join(errs...)
}
