// Package permissiontest holds the behavior every permission.Admin backend
// must share, so the same permctl command authorizes the same way whichever
// store is configured.
package permissiontest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/chatops-gateway/internal/permission"
)

// RunAdminContract exercises an empty store returned by newStore.
func RunAdminContract(t *testing.T, newStore func(t *testing.T) permission.Admin) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Lookup(ctx, "mallory")
		assert.ErrorIs(t, err, permission.ErrUserNotFound)
		assert.ErrorIs(t, s.Revoke(ctx, "mallory", "deploy"), permission.ErrUserNotFound)
		assert.ErrorIs(t, s.Revoke(ctx, "mallory"), permission.ErrUserNotFound)
	})

	t.Run("grant then lookup", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Grant(ctx, "alice", "sample-lambda", "sample-workflow"))
		require.NoError(t, s.Grant(ctx, "alice", "sample-lambda"))

		p, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", p.UserName)
		assert.Equal(t, []string{"sample-lambda", "sample-workflow"}, p.Actions())
	})

	t.Run("revoking the last action keeps the principal", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Grant(ctx, "alice", "deploy"))
		require.NoError(t, s.Revoke(ctx, "alice", "deploy"))

		p, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, p.Actions())

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "alice", all[0].UserName)
	})

	t.Run("grant without actions registers the user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Grant(ctx, "bob"))

		p, err := s.Lookup(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, p.Actions())
	})

	t.Run("revoking the user removes it", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Grant(ctx, "alice", "deploy"))
		require.NoError(t, s.Revoke(ctx, "alice"))

		_, err := s.Lookup(ctx, "alice")
		assert.ErrorIs(t, err, permission.ErrUserNotFound)
		assert.ErrorIs(t, s.Revoke(ctx, "alice"), permission.ErrUserNotFound)
	})

	t.Run("list is sorted by user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Grant(ctx, "carol", "restart"))
		require.NoError(t, s.Grant(ctx, "alice", "deploy"))

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alice", all[0].UserName)
		assert.Equal(t, []string{"deploy"}, all[0].Actions())
		assert.Equal(t, "carol", all[1].UserName)
	})
}
