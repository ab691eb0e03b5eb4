// Package permission looks up principals and the action bases they may run.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUserNotFound is returned when no permission record exists for a user.
var ErrUserNotFound = errors.New("user not found")

// Principal is a chat user known to the permission store.
type Principal struct {
	UserName string
	// PermittedActions holds action bases (or action prefixes) the user may run.
	PermittedActions map[string]struct{}
}

// NewPrincipal builds a principal from a list of permitted actions.
func NewPrincipal(userName string, actions ...string) *Principal {
	p := &Principal{UserName: userName, PermittedActions: make(map[string]struct{}, len(actions))}
	for _, a := range actions {
		if a != "" {
			p.PermittedActions[a] = struct{}{}
		}
	}
	return p
}

// Actions returns the permitted actions in sorted order.
func (p *Principal) Actions() []string {
	out := make([]string, 0, len(p.PermittedActions))
	for a := range p.PermittedActions {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Store is a read-only view over permission records keyed by user name.
// A single lookup attempt is made; callers decide whether to retry.
type Store interface {
	Lookup(ctx context.Context, userName string) (*Principal, error)
}

// Admin mutates permission records. Implemented by stores that own their data.
type Admin interface {
	Store
	Grant(ctx context.Context, userName string, actions ...string) error
	Revoke(ctx context.Context, userName string, actions ...string) error
	List(ctx context.Context) ([]*Principal, error)
}

// MemoryStore is an in-memory permission store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// NewMemoryStore creates a store seeded with the given principals.
func NewMemoryStore(principals ...*Principal) *MemoryStore {
	s := &MemoryStore{users: make(map[string]map[string]struct{})}
	for _, p := range principals {
		set := make(map[string]struct{}, len(p.PermittedActions))
		for a := range p.PermittedActions {
			set[a] = struct{}{}
		}
		s.users[p.UserName] = set
	}
	return s
}

func (s *MemoryStore) Lookup(_ context.Context, userName string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.users[userName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userName)
	}
	p := &Principal{UserName: userName, PermittedActions: make(map[string]struct{}, len(set))}
	for a := range set {
		p.PermittedActions[a] = struct{}{}
	}
	return p, nil
}

func (s *MemoryStore) Grant(_ context.Context, userName string, actions ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userName]
	if !ok {
		set = make(map[string]struct{})
		s.users[userName] = set
	}
	for _, a := range actions {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, userName string, actions ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userName)
	}
	if len(actions) == 0 {
		delete(s.users, userName)
		return nil
	}
	for _, a := range actions {
		delete(set, a)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Principal, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.users))
	for n := range s.users {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]*Principal, 0, len(names))
	for _, n := range names {
		p, err := s.Lookup(ctx, n)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

var _ Admin = (*MemoryStore)(nil)
