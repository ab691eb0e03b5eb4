// Package secrets resolves named secrets such as the signing secret and the
// bot token. Secrets are addressed by key name ("chat/signing-secret") and
// backed either by the environment or by an age-encrypted YAML file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// ErrNotFound is returned when a secret name has no value.
var ErrNotFound = errors.New("secret not found")

// Store resolves secret values by name.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// EnvStore reads secrets from environment variables sharing a prefix.
// "chat/signing-secret" with prefix "CHATOPS_SECRET_" resolves
// CHATOPS_SECRET_CHAT_SIGNING_SECRET.
type EnvStore struct {
	k *koanf.Koanf
}

// NewEnvStore snapshots environment variables with the given prefix.
func NewEnvStore(prefix string) (*EnvStore, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load secret env: %w", err)
	}
	return &EnvStore{k: k}, nil
}

func (s *EnvStore) Get(_ context.Context, name string) ([]byte, error) {
	key := normalize(name)
	if !s.k.Exists(key) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	v := s.k.String(key)
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return []byte(v), nil
}

// normalize maps a secret name onto its environment key suffix.
func normalize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}

// StaticStore serves secrets from a fixed map. Useful for embedding and tests.
type StaticStore map[string]string

func (s StaticStore) Get(_ context.Context, name string) ([]byte, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return []byte(v), nil
}
