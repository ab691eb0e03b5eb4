// Package clients holds the process-lifetime collaborators every request
// shares: the secret store, the permission store and the chat transport.
// They are built on first use and then reused until the process exits.
package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/chatops-gateway/internal/chat"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
)

// Set is the shared collaborator set handed to each request.
type Set struct {
	Secrets     secrets.Store
	Permissions permission.Store
	Chat        chat.Transport
}

// Factory builds the collaborator set. It runs at most once successfully.
type Factory func(ctx context.Context) (*Set, error)

// Registry lazily initializes a Set.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	set     *Set
	inits   int
}

// NewRegistry creates a registry around factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Ready returns a registry around an already-built set.
func Ready(set *Set) *Registry {
	return &Registry{set: set}
}

// EnsureInitialized returns the shared set, building it on first call.
// A failed build is not cached, so a later request retries it; once built
// the set is never rebuilt.
func (r *Registry) EnsureInitialized(ctx context.Context) (*Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.set != nil {
		return r.set, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("clients: no factory configured")
	}

	r.inits++
	set, err := r.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("clients: initialize: %w", err)
	}
	if set.Secrets == nil || set.Permissions == nil || set.Chat == nil {
		return nil, fmt.Errorf("clients: factory returned an incomplete set")
	}
	r.set = set
	return set, nil
}

// Attempts reports how many times the factory has run.
func (r *Registry) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits
}
