// Package registry maps provider ids to the adapter.Factory that serves them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yourorg/checkout-fallback/internal/adapter"
)

// ErrProviderNotFound is returned by Get for ids that were never registered.
var ErrProviderNotFound = errors.New("provider not found")

// Registry looks up provider factories.
type Registry interface {
	Get(providerID string) (adapter.Factory, error)
	AvailableProviders() []string
}

// InMemoryRegistry is a Registry backed by a map. Providers are listed in
// registration order.
type InMemoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]adapter.Factory
	order     []string
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		factories: make(map[string]adapter.Factory),
	}
}

// Register adds or replaces the factory for providerID.
func (r *InMemoryRegistry) Register(providerID string, f adapter.Factory) error {
	if providerID == "" {
		return errors.New("registry: provider id cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("registry: factory for %s cannot be nil", providerID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[providerID]; !exists {
		r.order = append(r.order, providerID)
	}
	r.factories[providerID] = f
	return nil
}

// Get fetches the factory for providerID.
func (r *InMemoryRegistry) Get(providerID string) (adapter.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[providerID]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", ErrProviderNotFound, providerID)
	}
	return f, nil
}

// AvailableProviders returns all registered ids.
func (r *InMemoryRegistry) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
