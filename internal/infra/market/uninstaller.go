package market

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/toolindex"
)

// Uninstaller removes an installed tool's files and its ledger record,
// in that order: a crash between the two steps leaves an orphaned record
// that reconciliation surfaces rather than files with no owner.
type Uninstaller struct {
	index   *toolindex.Index
	logger  *zap.Logger
	liveDir string
}

// NewUninstaller creates an uninstaller over the given ledger and live
// tool directory.
func NewUninstaller(index *toolindex.Index, liveDir string, logger *zap.Logger) *Uninstaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uninstaller{
		index:   index,
		logger:  logger.Named("uninstaller"),
		liveDir: liveDir,
	}
}

// Uninstall removes the tool's live directory and then its record. An id
// with no record fails with NOT_FOUND and performs no filesystem
// mutation. A record whose directory is already gone is logged and the
// record removed anyway, self-correcting the ledger.
func (u *Uninstaller) Uninstall(toolID string) error {
	const op = "market.uninstall"

	record, found, err := u.index.Get(toolID)
	if err != nil {
		return domain.E(domain.CodeInternal, op, "", err)
	}
	if !found {
		return domain.E(domain.CodeNotFound, op, toolID, domain.ErrNotInstalled)
	}

	dir := filepath.Join(u.liveDir, string(record.Type), record.ID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		u.logger.Warn("orphaned record: live directory already gone",
			zap.String("tool", toolID),
			zap.String("dir", dir))
	} else if err := os.RemoveAll(dir); err != nil {
		return domain.E(domain.CodeInternal, op, "remove live directory", err)
	}

	if err := u.index.Delete(toolID); err != nil {
		return domain.E(domain.CodeIndexInconsistent, op,
			"live directory removed but ledger record remains", err)
	}

	u.logger.Info("tool uninstalled", zap.String("tool", toolID))
	return nil
}
