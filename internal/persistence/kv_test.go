package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestJSONFileStoreRoundTrip(t *testing.T) {
	store := NewJSONFileStore(filepath.Join(t.TempDir(), "nodes.json"))

	in := []rec{{ID: "n1", Name: "alpha"}, {ID: "n2", Name: "beta"}}
	require.NoError(t, store.Save(in))

	var out []rec
	found, err := store.Load(&out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, in, out)
}

func TestJSONFileStoreMissingFile(t *testing.T) {
	store := NewJSONFileStore(filepath.Join(t.TempDir(), "absent.json"))
	var out []rec
	found, err := store.Load(&out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestJSONFileStoreToleratesBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	require.NoError(t, os.WriteFile(path, []byte("\xef\xbb\xbf[{\"id\":\"n1\",\"name\":\"x\"}]\n  "), 0o644))

	var out []rec
	found, err := NewJSONFileStore(path).Load(&out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "n1", out[0].ID)
}

func TestJSONFileStoreQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var out []rec
	found, err := NewJSONFileStore(path).Load(&out)
	require.NoError(t, err)
	require.False(t, found)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "nodes.json.corrupt.")
}

func TestLocalLockerMutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	h1, err := locker.Acquire(ctx, "k", LockOptions{Timeout: 100 * time.Millisecond, TTL: time.Minute})
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", LockOptions{Timeout: 50 * time.Millisecond, TTL: time.Minute})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, h1.Release(ctx))
	h2, err := locker.Acquire(ctx, "k", LockOptions{Timeout: 100 * time.Millisecond, TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestLocalLockerExpiredLockReclaimable(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "k", LockOptions{Timeout: 50 * time.Millisecond, TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	h, err := locker.Acquire(ctx, "k", LockOptions{Timeout: 50 * time.Millisecond, TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestLocalLockerReleaseIdempotent(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "k", LockOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	// A stale handle released twice must not free a lock someone else holds.
	h2, err := locker.Acquire(ctx, "k", LockOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	_, err = locker.Acquire(ctx, "k", LockOptions{Timeout: 30 * time.Millisecond, TTL: time.Minute})
	require.ErrorIs(t, err, ErrLockNotAcquired)
	require.NoError(t, h2.Release(ctx))
}

func TestOpenDBConfiguresWAL(t *testing.T) {
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "sub", "test.db"))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)
}
