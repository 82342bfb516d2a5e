package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlags_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.Get(ctx, KeyIsLogged)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, KeyIsLogged, "true"))
	require.NoError(t, s.Set(ctx, KeyActiveAccount, "0"))
	require.NoError(t, s.Set(ctx, KeyActiveAccount, "2"))

	v, err := s.Get(ctx, KeyActiveAccount)
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	require.NoError(t, s.Remove(ctx, KeyIsLogged, KeyActiveAccount, "neverSet"))

	_, err = s.Get(ctx, KeyIsLogged)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, KeyActiveAccount)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Remove(ctx))
}

func TestHosts_AddIsSetLike(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.AddHost(ctx, ListAllow, "b.example"))
	require.NoError(t, s.AddHost(ctx, ListAllow, "a.example"))
	require.NoError(t, s.AddHost(ctx, ListAllow, "b.example"))

	hosts, err := s.Hosts(ctx, ListAllow)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.example", "a.example"}, hosts)

	ok, err := s.HasHost(ctx, ListAllow, "a.example")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasHost(ctx, ListBlock, "a.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHosts_ReplaceOnlyTouchesOneList(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.AddHost(ctx, ListAllow, "keep.example"))
	require.NoError(t, s.AddHost(ctx, ListBlock, "old.example"))
	require.NoError(t, s.ReplaceHosts(ctx, ListBlock, []string{"evil.example", "bad.example"}))

	block, err := s.Hosts(ctx, ListBlock)
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.example", "bad.example"}, block)

	allow, err := s.Hosts(ctx, ListAllow)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.example"}, allow)
}
