package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore(t.TempDir(), zap.NewNop(), opts...)
}

func TestStoreSetGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("registry", []byte(`{"tools":[]}`), time.Minute))

	value, ok := store.Get("registry")
	require.True(t, ok)
	require.Equal(t, `{"tools":[]}`, string(value))
}

func TestStoreGetMiss(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Get("absent")
	require.False(t, ok)
	require.False(t, store.Has("absent"))
}

func TestStoreExpiry(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("short", []byte("value"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok := store.Get("short")
	require.False(t, ok)
}

func TestStoreInvalidate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("key", []byte("value"), time.Hour))
	require.NoError(t, store.Invalidate("key"))

	_, ok := store.Get("key")
	require.False(t, ok)

	// Idempotent on an absent key.
	require.NoError(t, store.Invalidate("key"))
}

func TestStoreOverwrite(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("key", []byte("first"), time.Hour))
	require.NoError(t, store.Set("key", []byte("second"), time.Hour))

	value, ok := store.Get("key")
	require.True(t, ok)
	require.Equal(t, "second", string(value))
}

func TestStoreFileTierSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	first := NewStore(dir, zap.NewNop())
	require.NoError(t, first.Set("persist", []byte("payload"), time.Hour))

	// A new store over the same directory simulates a process restart:
	// the memory tier is empty but the file tier serves the value.
	second := NewStore(dir, zap.NewNop())
	value, ok := second.Get("persist")
	require.True(t, ok)
	require.Equal(t, "payload", string(value))
}

func TestStoreCorruptFileTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, zap.NewNop())

	require.NoError(t, store.Set("key", []byte("value"), time.Hour))

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.NoError(t, os.WriteFile(paths[0], []byte("not json"), 0o644))

	// Fresh store so the memory tier does not mask the corrupt file.
	reopened := NewStore(dir, zap.NewNop())
	_, ok := reopened.Get("key")
	require.False(t, ok)

	// The corrupt file is removed, not retried forever.
	paths, err = filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestStoreStaleFileDeletedOnRead(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, zap.NewNop())

	require.NoError(t, store.Set("key", []byte("value"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	reopened := NewStore(dir, zap.NewNop())
	_, ok := reopened.Get("key")
	require.False(t, ok)

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestStoreMemoryCapEvictsOldest(t *testing.T) {
	store := newTestStore(t, WithMemoryCap(2))

	require.NoError(t, store.Set("a", []byte("1"), time.Hour))
	require.NoError(t, store.Set("b", []byte("2"), time.Hour))
	require.NoError(t, store.Set("c", []byte("3"), time.Hour))

	// "a" fell out of the memory tier but the file tier still has it.
	value, ok := store.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(value))
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, zap.NewNop())

	require.NoError(t, store.Set("a", []byte("1"), time.Hour))
	require.NoError(t, store.Set("b", []byte("2"), time.Hour))
	require.NoError(t, store.Clear())

	_, ok := store.Get("a")
	require.False(t, ok)

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestStoreCleanupExpired(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("keep", []byte("1"), time.Hour))
	require.NoError(t, store.Set("drop", []byte("2"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	removed, err := store.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok := store.Get("keep")
	require.True(t, ok)
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := newTestStore(t)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_ = store.Set("shared", []byte("value"), time.Hour)
				_, _ = store.Get("shared")
				_ = store.Invalidate("other")
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
