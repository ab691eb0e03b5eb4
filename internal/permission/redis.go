package permission

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one Redis set per user holding the permitted actions.
// Keys are "<prefix><userName>". Every set also holds registeredMember, so
// a user whose last action is revoked stays a known principal until the
// user itself is revoked, as in the other stores.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects a store to Redis. The connection is lazy; the first
// command dials.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(rdb, cfg.KeyPrefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatops:permissions:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// registeredMember marks a set as belonging to a known user. Empty action
// names are never granted, so it cannot collide with one.
const registeredMember = ""

func (s *RedisStore) key(userName string) string {
	return s.prefix + userName
}

func (s *RedisStore) Lookup(ctx context.Context, userName string) (*Principal, error) {
	members, err := s.client.SMembers(ctx, s.key(userName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lookup %s: %w", userName, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userName)
	}
	return NewPrincipal(userName, members...), nil
}

// Grant registers the user and adds the given actions. Granting no actions
// registers a user who may only open the welcome menu.
func (s *RedisStore) Grant(ctx context.Context, userName string, actions ...string) error {
	if userName == "" {
		return fmt.Errorf("user name cannot be empty")
	}
	members := []any{registeredMember}
	for _, a := range actions {
		if a != "" {
			members = append(members, a)
		}
	}
	if err := s.client.SAdd(ctx, s.key(userName), members...).Err(); err != nil {
		return fmt.Errorf("redis grant %s: %w", userName, err)
	}
	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, userName string, actions ...string) error {
	if len(actions) == 0 {
		n, err := s.client.Del(ctx, s.key(userName)).Result()
		if err != nil {
			return fmt.Errorf("redis revoke %s: %w", userName, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userName)
		}
		return nil
	}
	n, err := s.client.Exists(ctx, s.key(userName)).Result()
	if err != nil {
		return fmt.Errorf("redis revoke %s: %w", userName, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userName)
	}

	members := make([]any, 0, len(actions))
	for _, a := range actions {
		if a != registeredMember {
			members = append(members, a)
		}
	}
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SRem(ctx, s.key(userName), members...).Err(); err != nil {
		return fmt.Errorf("redis revoke %s: %w", userName, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Principal, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
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

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Admin = (*RedisStore)(nil)
