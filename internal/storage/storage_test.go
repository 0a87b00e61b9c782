package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	require.Equal(t, "media/live1/3/init.mp4", KeyFor("media", "live1", 3, "init.mp4"))
	require.Equal(t, "media/live1/0/segment_001.m4s", KeyFor("media", "live1", 0, "segment_001.m4s"))
	require.Equal(t, "media/live1/-1/init.mp4", KeyFor("media", "live1", -1, "init.mp4"))
}

func TestLocalStorePutAndRead(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "live1/1/init.mp4"
	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, key, []byte("hello")))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := store.Reader(ctx, key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalStoreReaderMissingKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Reader(context.Background(), "does/not/exist")
	require.True(t, errors.Is(err, ErrNotExist))
}

func TestLocalStorePutOverwrites(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("first")))
	require.NoError(t, store.Put(ctx, "k", []byte("second")))

	r, err := store.Reader(ctx, "k")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}
