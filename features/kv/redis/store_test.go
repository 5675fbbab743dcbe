package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(Options{Client: client})
	require.NoError(t, err)
	return store, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, []string{"job", "1", "status"}, []byte("running"), nil))

	val, ok, err := store.Get(ctx, []string{"job", "1", "status"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("running"), val)

	require.NoError(t, store.Remove(ctx, []string{"job", "1", "status"}))
	_, ok, err = store.Get(ctx, []string{"job", "1", "status"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAbsoluteExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, store.Set(ctx, []string{"session", "s1"}, []byte("v"), &expiry))

	_, ok, err := store.Get(ctx, []string{"session", "s1"})
	require.NoError(t, err)
	require.True(t, ok)

	// Advance the server clock past the expiry; the entry must be gone.
	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx, []string{"session", "s1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, []string{"session", "a"}, []byte("1"), nil))
	require.NoError(t, store.Set(ctx, []string{"session", "b"}, []byte("2"), nil))
	require.NoError(t, store.Set(ctx, []string{"job", "c"}, []byte("3"), nil))

	it := store.Scan(ctx, []string{"session"})
	defer func() { require.NoError(t, it.Close()) }()

	seen := map[string]string{}
	for it.Next(ctx) {
		e := it.Entry()
		require.Len(t, e.Key, 2)
		seen[e.Key[1]] = string(e.Value)
	}
	require.NoError(t, it.Err())
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}
