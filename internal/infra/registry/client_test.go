package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/cache"
)

const registryDoc = `{
  "version": "1.0.0",
  "last_updated": "2026-08-01T00:00:00Z",
  "tools": [
    {
      "id": "backup-folder",
      "name": "Backup Folder",
      "description": "Backs up a folder to a zip archive",
      "version": "1.0.0",
      "category": "file",
      "tags": ["backup", "files"],
      "download_url": "https://example/b.zip",
      "type": "py"
    },
    {
      "id": "cleanup",
      "name": "Cleanup",
      "description": "Removes temp files",
      "version": "2.1.0",
      "category": "system",
      "download_url": "https://example/c.zip",
      "type": "sh"
    }
  ]
}`

func newTestClient(t *testing.T, url, localPath string, opts ...Option) *Client {
	t.Helper()
	store := cache.NewStore(t.TempDir(), zap.NewNop())
	return NewClient(Config{
		URL:       url,
		LocalPath: localPath,
		TTL:       time.Hour,
	}, store, zap.NewNop(), opts...)
}

func TestFetchRegistryRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	snap, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, snap.Tools, 2)
	require.Equal(t, "backup-folder", snap.Tools[0].ID)
	require.Equal(t, domain.PackageTypeShell, snap.Tools[1].Type)
}

func TestFetchRegistryIdempotentWithinTTL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	first, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	firstRaw := append([]byte(nil), client.Raw()...)

	second, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, int32(1), hits.Load(), "second fetch within TTL must not hit the network")
	require.Equal(t, string(firstRaw), string(client.Raw()), "cached snapshot must be byte-identical")
	require.Empty(t, cmp.Diff(first, second))
}

func TestFetchRegistryForceRefresh(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	_, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	_, err = client.FetchRegistry(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchRegistrySkipsMalformedEntries(t *testing.T) {
	doc := `{
  "version": "1.0.0",
  "tools": [
    {"id": "good", "name": "Good", "description": "ok", "version": "1.0.0",
     "download_url": "https://example/g.zip", "type": "py"},
    {"id": "no-url", "name": "Broken", "description": "missing url", "version": "1.0.0", "type": "py"},
    "not an object"
  ]
}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(doc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	snap, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, snap.Tools, 1)
	require.Equal(t, "good", snap.Tools[0].ID)
}

func TestFetchRegistryMalformedDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"no_tools": true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	_, err := client.FetchRegistry(context.Background(), false)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeSchema, code)
}

func TestFetchRegistryLocalOverridePrecedence(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	localDoc := `{"version": "0.0.1", "tools": [
    {"id": "local-tool", "name": "Local", "description": "dev override", "version": "0.1.0",
     "download_url": "https://example/l.zip", "type": "py"}
  ]}`
	localPath := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(localPath, []byte(localDoc), 0o644))

	client := newTestClient(t, server.URL, localPath)

	snap, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, snap.Tools, 1)
	require.Equal(t, "local-tool", snap.Tools[0].ID)
	require.Equal(t, int32(0), hits.Load(), "local override must not hit the network")

	// The local snapshot is pinned: repeated fetches keep serving it.
	snap, err = client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "local-tool", snap.Tools[0].ID)
}

func TestFetchRegistryStaleFallbackOnNetworkFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	_, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)

	fail.Store(true)
	snap, err := client.FetchRegistry(context.Background(), true)
	require.NoError(t, err, "last known snapshot is served when the remote fails")
	require.Len(t, snap.Tools, 2)
}

func TestFetchRegistryUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	_, err := client.FetchRegistry(context.Background(), false)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrRegistryUnavailable)
}

func TestFindEntryAndSearchDoNotFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(registryDoc))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	// No snapshot yet: lookups return empty instead of fetching.
	_, ok := client.FindEntry("backup-folder")
	require.False(t, ok)
	require.Nil(t, client.Search("backup"))

	_, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)

	entry, ok := client.FindEntry("backup-folder")
	require.True(t, ok)
	require.Equal(t, "1.0.0", entry.Version)

	results := client.Search("backup")
	require.Len(t, results, 1)
	require.Equal(t, "backup-folder", results[0].ID)

	// Tag match, case-insensitive.
	results = client.Search("FILES")
	require.Len(t, results, 1)

	results = client.ListByCategory("system")
	require.Len(t, results, 1)
	require.Equal(t, "cleanup", results[0].ID)
}

func TestWatcherInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "registry.json")
	localDoc := `{"version": "0.0.1", "tools": [
    {"id": "local-tool", "name": "Local", "description": "dev", "version": "0.1.0",
     "download_url": "https://example/l.zip", "type": "py"}
  ]}`
	require.NoError(t, os.WriteFile(localPath, []byte(localDoc), 0o644))

	client := newTestClient(t, "http://unreachable.invalid", localPath)
	_, err := client.FetchRegistry(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, client.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := NewWatcher(client, localPath, zap.NewNop())
	go watcher.Run(ctx)

	// Give the watcher a beat to register, then rewrite the file.
	time.Sleep(50 * time.Millisecond)
	updated := `{"version": "0.0.2", "tools": []}`
	require.NoError(t, os.WriteFile(localPath, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return client.Snapshot() == nil
	}, 3*time.Second, 20*time.Millisecond, "watcher should invalidate the pinned snapshot")
}
