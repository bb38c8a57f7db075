package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()

	b := NewBolt(WithNoSync(true))
	require.NoError(t, b.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltGetSet(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "key", []byte("value")))

	got, err := b.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func TestBoltDelete(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "key", []byte("value")))
	require.NoError(t, b.Delete(ctx, "key"))

	_, err := b.Get(ctx, "key")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Delete(ctx, "key"))
}

func TestBoltKeysPrefix(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "meta/one", []byte("1")))
	require.NoError(t, b.Set(ctx, "meta/two", []byte("2")))
	require.NoError(t, b.Set(ctx, "content/one", []byte("3")))

	keys, err := b.Keys(ctx, "meta/")
	require.NoError(t, err)
	require.Equal(t, []string{"meta/one", "meta/two"}, keys)
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	b := NewBolt()
	require.NoError(t, b.Open(path))
	require.NoError(t, b.Set(ctx, "key", []byte("survives")))
	require.NoError(t, b.Close())

	b2 := NewBolt()
	require.NoError(t, b2.Open(path))
	defer func() { _ = b2.Close() }()

	got, err := b2.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), got)
}

func TestBoltEstimate(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "key", []byte("value")))

	usage, err := b.Estimate(ctx)
	require.NoError(t, err)
	require.Greater(t, usage.UsedBytes, int64(0))
}
