package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/cache"
	"toolmart/internal/infra/registry"
	"toolmart/internal/infra/toolindex"
)

type harness struct {
	installer *Installer
	client    *registry.Client
	index     *toolindex.Index
	liveDir   string
	tempDir   string
	downloads *atomic.Int32

	archive      atomic.Pointer[[]byte]
	toolVersion  atomic.Pointer[string]
	failDownload *atomic.Int32 // remaining forced failures
}

// newHarness wires a registry server and an archive server around a real
// installer. The archive bytes and advertised tool version can be swapped
// mid-test to drive the update flow.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		liveDir:      filepath.Join(t.TempDir(), "tools"),
		downloads:    &atomic.Int32{},
		failDownload: &atomic.Int32{},
	}
	h.tempDir = filepath.Join(filepath.Dir(h.liveDir), "tmp")

	initial := archiveBytes(t, map[string]string{
		"py/backup-folder/backup-folder.py": "print('v1')",
	})
	h.archive.Store(&initial)
	version := "1.0.0"
	h.toolVersion.Store(&version)

	archiveServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.downloads.Add(1)
		if h.failDownload.Load() > 0 {
			h.failDownload.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(*h.archive.Load())
	}))
	t.Cleanup(archiveServer.Close)

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		doc := fmt.Sprintf(`{
  "version": "1.0.0",
  "tools": [
    {"id": "backup-folder", "name": "Backup Folder", "description": "backs up",
     "version": %q, "download_url": %q, "type": "py"}
  ]
}`, *h.toolVersion.Load(), archiveServer.URL+"/backup-folder.zip")
		_, _ = w.Write([]byte(doc))
	}))
	t.Cleanup(registryServer.Close)

	store := cacheStore(t)
	h.client = registry.NewClient(registry.Config{
		URL: registryServer.URL,
		TTL: time.Hour,
	}, store, zap.NewNop())

	index, err := toolindex.OpenIndex(filepath.Join(t.TempDir(), "installed.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, index.Close())
	})
	h.index = index

	h.installer = NewInstaller(InstallerConfig{
		Registry:    h.client,
		Index:       index,
		Logger:      zap.NewNop(),
		LiveDir:     h.liveDir,
		TempDir:     h.tempDir,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	return h
}

func cacheStore(t *testing.T) *cache.Store {
	t.Helper()
	return cache.NewStore(t.TempDir(), zap.NewNop())
}

func (h *harness) livePath(elem ...string) string {
	return filepath.Join(append([]string{h.liveDir}, elem...)...)
}

func (h *harness) requireNoLiveTree(t *testing.T) {
	t.Helper()
	_, err := os.Stat(h.livePath("py", "backup-folder"))
	require.True(t, os.IsNotExist(err), "live tool directory must not exist")
}

func (h *harness) requireNoTempLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	require.Empty(t, entries, "job temp directories must be cleaned up")
}

func TestInstallSuccess(t *testing.T) {
	h := newHarness(t)

	record, err := h.installer.Install(context.Background(), "backup-folder")
	require.NoError(t, err)
	require.Equal(t, "backup-folder", record.ID)
	require.Equal(t, "1.0.0", record.Version)
	require.Equal(t, domain.PackageTypePython, record.Type)

	data, err := os.ReadFile(h.livePath("py", "backup-folder", "backup-folder.py"))
	require.NoError(t, err)
	require.Equal(t, "print('v1')", string(data))

	stored, found, err := h.index.Get("backup-folder")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, record, stored)

	h.requireNoTempLeftovers(t)
}

func TestInstallUnknownTool(t *testing.T) {
	h := newHarness(t)

	_, err := h.installer.Install(context.Background(), "no-such-tool")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestInstallAllOrNothingOnInjectedFailure(t *testing.T) {
	for _, stage := range []domain.InstallState{
		domain.InstallStateVerifying,
		domain.InstallStateExtracting,
	} {
		t.Run(string(stage), func(t *testing.T) {
			h := newHarness(t)
			h.installer.beforeStage = func(state domain.InstallState) error {
				if state == stage {
					return fmt.Errorf("injected failure at %s", state)
				}
				return nil
			}

			_, err := h.installer.Install(context.Background(), "backup-folder")
			require.Error(t, err)

			var domainErr *domain.Error
			require.ErrorAs(t, err, &domainErr)
			require.Equal(t, string(stage), domainErr.Meta[domain.MetaInstallState])

			h.requireNoLiveTree(t)
			h.requireNoTempLeftovers(t)

			_, found, err := h.index.Get("backup-folder")
			require.NoError(t, err)
			require.False(t, found, "no record may be created on failure")
		})
	}
}

func TestInstallArchiveStructureFailure(t *testing.T) {
	h := newHarness(t)
	bad := archiveBytes(t, map[string]string{
		"py/other-name/other-name.py": "print('nope')",
	})
	h.archive.Store(&bad)

	_, err := h.installer.Install(context.Background(), "backup-folder")
	requireArchiveStructureError(t, err)

	h.requireNoLiveTree(t)
	h.requireNoTempLeftovers(t)
}

func TestInstallConflictForSameID(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	h.installer.beforeStage = func(state domain.InstallState) error {
		// Only the first job parks; the competing caller is rejected
		// before it ever reaches the pipeline.
		if state == domain.InstallStateDownloading && blocked.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.installer.Install(context.Background(), "backup-folder")
		errCh <- err
	}()
	<-entered

	_, err := h.installer.Install(context.Background(), "backup-folder")
	require.ErrorIs(t, err, domain.ErrInstallBusy)

	close(release)
	require.NoError(t, <-errCh)

	require.Equal(t, int32(1), h.downloads.Load(), "exactly one archive download")
	_, found, err := h.index.Get("backup-folder")
	require.NoError(t, err)
	require.True(t, found)
}

func TestUpdateReplacesPreviousVersion(t *testing.T) {
	h := newHarness(t)

	_, err := h.installer.Install(context.Background(), "backup-folder")
	require.NoError(t, err)

	next := archiveBytes(t, map[string]string{
		"py/backup-folder/backup-folder.py": "print('v2')",
	})
	h.archive.Store(&next)
	version := "1.1.0"
	h.toolVersion.Store(&version)
	_, err = h.client.FetchRegistry(context.Background(), true)
	require.NoError(t, err)

	record, err := h.installer.Update(context.Background(), "backup-folder")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", record.Version)

	data, err := os.ReadFile(h.livePath("py", "backup-folder", "backup-folder.py"))
	require.NoError(t, err)
	require.Equal(t, "print('v2')", string(data))

	// The moved-aside previous version is gone.
	entries, err := os.ReadDir(h.livePath("py"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "backup-folder", entries[0].Name())
}

func TestUpdateFailureLeavesPreviousVersionInPlace(t *testing.T) {
	h := newHarness(t)

	_, err := h.installer.Install(context.Background(), "backup-folder")
	require.NoError(t, err)

	// Next download yields a structurally invalid archive.
	bad := archiveBytes(t, map[string]string{
		"py/wrong/wrong.py": "print('bad')",
	})
	h.archive.Store(&bad)
	version := "1.1.0"
	h.toolVersion.Store(&version)
	_, err = h.client.FetchRegistry(context.Background(), true)
	require.NoError(t, err)

	_, err = h.installer.Update(context.Background(), "backup-folder")
	requireArchiveStructureError(t, err)

	data, err := os.ReadFile(h.livePath("py", "backup-folder", "backup-folder.py"))
	require.NoError(t, err)
	require.Equal(t, "print('v1')", string(data), "previous version stays untouched")

	stored, found, err := h.index.Get("backup-folder")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1.0.0", stored.Version, "record still names the previous version")
}

func TestUpdateNotInstalled(t *testing.T) {
	h := newHarness(t)

	_, err := h.installer.Update(context.Background(), "backup-folder")
	require.ErrorIs(t, err, domain.ErrNotInstalled)
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.failDownload.Store(2)

	_, err := h.installer.Install(context.Background(), "backup-folder")
	require.NoError(t, err)
	require.Equal(t, int32(3), h.downloads.Load())
}

func TestDownloadFailsAfterBoundedRetries(t *testing.T) {
	h := newHarness(t)
	h.failDownload.Store(100)

	_, err := h.installer.Install(context.Background(), "backup-folder")
	require.Error(t, err)

	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	require.Equal(t, domain.CodeNetwork, domainErr.Code)
	require.Equal(t, string(domain.InstallStateDownloading), domainErr.Meta[domain.MetaInstallState])
	require.Equal(t, int32(3), h.downloads.Load(), "retries are bounded")

	h.requireNoLiveTree(t)
	h.requireNoTempLeftovers(t)
}

func TestInstallsOfDifferentIDsRunConcurrently(t *testing.T) {
	// Two installers sharing the in-flight set but for different ids:
	// the per-id lock must not serialize them.
	h := newHarness(t)

	require.True(t, h.installer.tryAcquire("tool-a"))
	require.True(t, h.installer.tryAcquire("tool-b"))
	require.False(t, h.installer.tryAcquire("tool-a"))

	h.installer.release("tool-a")
	require.True(t, h.installer.tryAcquire("tool-a"))
}
