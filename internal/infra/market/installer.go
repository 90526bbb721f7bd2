package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/fsutil"
	"toolmart/internal/infra/registry"
	"toolmart/internal/infra/toolindex"
)

// InstallerConfig wires the installer's collaborators and policy.
type InstallerConfig struct {
	Registry *registry.Client
	Index    *toolindex.Index
	Logger   *zap.Logger
	Metrics  domain.Metrics

	// LiveDir is the live tool directory; tools land in LiveDir/<type>/<id>.
	LiveDir string
	// TempDir hosts job-scoped scratch directories. It must sit on the
	// same filesystem as LiveDir so the final rename is atomic.
	TempDir string

	HTTPClient      *http.Client
	DownloadTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
}

// Installer runs the download, verify, extract, register pipeline for one
// tool at a time per id. Installs of different ids proceed in parallel;
// a second request for an id already in flight is rejected immediately.
type Installer struct {
	cfg     InstallerConfig
	logger  *zap.Logger
	metrics domain.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}

	// beforeStage, when set, runs before each pipeline stage. Test hook
	// for failure injection.
	beforeStage func(state domain.InstallState) error
}

// NewInstaller creates an installer. Zero policy values fall back to the
// domain defaults.
func NewInstaller(cfg InstallerConfig) *Installer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = domain.DefaultDownloadTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultDownloadMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = domain.DefaultDownloadBackoff
	}
	return &Installer{
		cfg:      cfg,
		logger:   logger.Named("installer"),
		metrics:  metrics,
		inFlight: make(map[string]struct{}),
	}
}

// Install runs the pipeline for a tool id from the current registry
// snapshot (fetching one first if none is loaded). On any failure the
// live tool directory and the ledger are left in their pre-job state.
func (i *Installer) Install(ctx context.Context, toolID string) (domain.InstalledToolRecord, error) {
	const op = "market.install"

	entry, err := i.resolveEntry(ctx, op, toolID)
	if err != nil {
		return domain.InstalledToolRecord{}, err
	}
	return i.run(ctx, op, entry)
}

// Update re-runs the pipeline for an already-installed tool. The previous
// live directory is replaced only after the new tree is confirmed in
// place; a failure leaves the previous version untouched.
func (i *Installer) Update(ctx context.Context, toolID string) (domain.InstalledToolRecord, error) {
	const op = "market.update"

	_, installed, err := i.cfg.Index.Get(toolID)
	if err != nil {
		return domain.InstalledToolRecord{}, domain.E(domain.CodeInternal, op, "", err)
	}
	if !installed {
		return domain.InstalledToolRecord{}, domain.E(domain.CodeNotFound, op, toolID, domain.ErrNotInstalled)
	}
	entry, err := i.resolveEntry(ctx, op, toolID)
	if err != nil {
		return domain.InstalledToolRecord{}, err
	}
	return i.run(ctx, op, entry)
}

func (i *Installer) resolveEntry(ctx context.Context, op, toolID string) (domain.RegistryEntry, error) {
	if i.cfg.Registry.Snapshot() == nil {
		if _, err := i.cfg.Registry.FetchRegistry(ctx, false); err != nil {
			return domain.RegistryEntry{}, err
		}
	}
	entry, ok := i.cfg.Registry.FindEntry(toolID)
	if !ok {
		return domain.RegistryEntry{}, domain.E(domain.CodeNotFound, op, toolID, domain.ErrToolNotFound)
	}
	return entry, nil
}

func (i *Installer) run(ctx context.Context, op string, entry domain.RegistryEntry) (domain.InstalledToolRecord, error) {
	if !i.tryAcquire(entry.ID) {
		return domain.InstalledToolRecord{}, domain.E(domain.CodeConflict, op, entry.ID, domain.ErrInstallBusy)
	}
	defer i.release(entry.ID)

	job := &domain.InstallJob{
		ID:            uuid.NewString(),
		ToolID:        entry.ID,
		TargetVersion: entry.Version,
		State:         domain.InstallStateIdle,
	}
	job.TempDir = filepath.Join(i.cfg.TempDir, fmt.Sprintf("%s-%s", entry.ID, job.ID[:8]))
	if err := fsutil.EnsureDir(job.TempDir); err != nil {
		return domain.InstalledToolRecord{}, domain.E(domain.CodeInternal, op, "", err)
	}
	// All partial artifacts live under the job temp dir; removing it is
	// the whole cleanup story for every failure path before Registering.
	defer func() {
		if err := os.RemoveAll(job.TempDir); err != nil {
			i.logger.Warn("job temp cleanup failed", zap.String("dir", job.TempDir), zap.Error(err))
		}
	}()

	start := time.Now()
	record, err := i.pipeline(ctx, op, entry, job)
	if err != nil {
		i.fail(job, err)
		i.metrics.ObserveInstall(time.Since(start), domain.InstallStateFailed)
		return domain.InstalledToolRecord{}, err
	}

	i.transition(job, domain.InstallStateInstalled)
	i.metrics.ObserveInstall(time.Since(start), domain.InstallStateInstalled)
	if count, err := i.cfg.Index.Count(); err == nil {
		i.metrics.SetInstalledTools(count)
	}
	i.logger.Info("tool installed",
		zap.String("tool", entry.ID),
		zap.String("version", entry.Version),
		zap.Duration("took", time.Since(start)))
	return record, nil
}

func (i *Installer) pipeline(ctx context.Context, op string, entry domain.RegistryEntry, job *domain.InstallJob) (domain.InstalledToolRecord, error) {
	archivePath := filepath.Join(job.TempDir, "archive.zip")

	if err := i.enterStage(job, domain.InstallStateDownloading); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}
	if err := i.download(ctx, entry, archivePath); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}

	if err := i.enterStage(job, domain.InstallStateVerifying); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}
	if err := verifyArchive(archivePath, entry.ID, entry.Type); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}

	if err := i.enterStage(job, domain.InstallStateExtracting); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}
	extractDir := filepath.Join(job.TempDir, "extract")
	if err := extractArchive(archivePath, extractDir); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}

	if err := i.enterStage(job, domain.InstallStateRegistering); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}
	return i.register(entry, job, extractDir)
}

// register moves the staged tree into the live directory atomically, then
// writes the ledger record. A rename that succeeds followed by a record
// write that fails is surfaced as an index inconsistency for doctor.
func (i *Installer) register(entry domain.RegistryEntry, job *domain.InstallJob, extractDir string) (domain.InstalledToolRecord, error) {
	const op = "market.register"

	staged := filepath.Join(extractDir, string(entry.Type), entry.ID)
	parent := filepath.Join(i.cfg.LiveDir, string(entry.Type))
	if err := fsutil.EnsureDir(parent); err != nil {
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}
	target := filepath.Join(parent, entry.ID)

	// On update, the previous version is moved aside and removed only
	// after the new tree is confirmed in place.
	var previous string
	if _, err := os.Stat(target); err == nil {
		previous = target + ".old-" + job.ID[:8]
		if err := os.Rename(target, previous); err != nil {
			return domain.InstalledToolRecord{}, stageError(op, job.State, err)
		}
	}

	if err := os.Rename(staged, target); err != nil {
		if previous != "" {
			if restoreErr := os.Rename(previous, target); restoreErr != nil {
				i.logger.Error("failed to restore previous version",
					zap.String("tool", entry.ID), zap.Error(restoreErr))
			}
		}
		return domain.InstalledToolRecord{}, stageError(op, job.State, err)
	}

	record := domain.InstalledToolRecord{
		ID:          entry.ID,
		Name:        entry.Name,
		Version:     entry.Version,
		InstalledAt: time.Now().UTC(),
		SourceURL:   entry.DownloadURL,
		Type:        entry.Type,
	}
	if err := i.cfg.Index.Put(record); err != nil {
		// The live tree is already updated; reconciliation will flag the
		// directory until the record lands.
		return domain.InstalledToolRecord{}, domain.E(domain.CodeIndexInconsistent, op,
			"live directory updated but ledger write failed", err).
			WithMeta(domain.MetaInstallState, string(job.State))
	}

	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			i.logger.Warn("previous version cleanup failed",
				zap.String("dir", previous), zap.Error(err))
		}
	}
	return record, nil
}

// download streams the archive to disk with bounded retries and
// increasing backoff. Timeouts count as network failures.
func (i *Installer) download(ctx context.Context, entry domain.RegistryEntry, dest string) error {
	var lastErr error
	delay := i.cfg.BackoffBase

	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			i.metrics.ObserveDownloadRetry(entry.ID)
			i.logger.Warn("download retry",
				zap.String("tool", entry.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = i.downloadOnce(ctx, entry.DownloadURL, dest)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", i.cfg.MaxAttempts, lastErr)
}

func (i *Installer) downloadOnce(ctx context.Context, url, dest string) error {
	reqCtx, cancel := context.WithTimeout(ctx, i.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := i.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}
	return out.Close()
}

func (i *Installer) enterStage(job *domain.InstallJob, state domain.InstallState) error {
	i.transition(job, state)
	if i.beforeStage != nil {
		return i.beforeStage(state)
	}
	return nil
}

func (i *Installer) transition(job *domain.InstallJob, state domain.InstallState) {
	job.State = state
	i.logger.Debug("install state",
		zap.String("tool", job.ToolID),
		zap.String("job", job.ID),
		zap.String("state", string(state)))
}

func (i *Installer) fail(job *domain.InstallJob, err error) {
	job.Err = err
	i.transition(job, domain.InstallStateFailed)
	i.logger.Warn("install failed",
		zap.String("tool", job.ToolID),
		zap.String("job", job.ID),
		zap.Error(err))
}

func (i *Installer) tryAcquire(toolID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inFlight[toolID]; busy {
		return false
	}
	i.inFlight[toolID] = struct{}{}
	return true
}

func (i *Installer) release(toolID string) {
	i.mu.Lock()
	delete(i.inFlight, toolID)
	i.mu.Unlock()
}

// stageError tags an error with the pipeline state it occurred in, picking
// the error code by stage when the cause is not already a domain error.
func stageError(op string, state domain.InstallState, err error) error {
	if err == nil {
		return nil
	}
	var code domain.ErrorCode
	switch state {
	case domain.InstallStateDownloading:
		code = domain.CodeNetwork
	case domain.InstallStateVerifying:
		code = domain.CodeArchiveStructure
	default:
		code = domain.CodeInternal
	}
	return domain.Wrap(code, op, err).WithMeta(domain.MetaInstallState, string(state))
}
