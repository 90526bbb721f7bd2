package toolindex

import (
	"os"
	"path/filepath"

	"toolmart/internal/domain"
)

// Reconcile compares the ledger against the live tool directory and
// returns every mismatch: records whose directory is gone (directory
// deleted or a crash mid-uninstall) and directories with no record (a
// crash between rename and record write, or files dropped in by hand).
// Findings are reported for operator action; nothing is auto-deleted.
func (x *Index) Reconcile(liveDir string) ([]domain.Inconsistency, error) {
	records, err := x.List()
	if err != nil {
		return nil, err
	}

	var findings []domain.Inconsistency

	recorded := make(map[string]struct{}, len(records))
	for _, record := range records {
		recorded[record.ID] = struct{}{}
		dir := filepath.Join(liveDir, string(record.Type), record.ID)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			findings = append(findings, domain.Inconsistency{
				Kind:   domain.InconsistencyOrphanedRecord,
				ToolID: record.ID,
				Path:   dir,
				Detail: "ledger record present but live directory missing",
			})
		}
	}

	for _, pkgType := range []domain.PackageType{domain.PackageTypePython, domain.PackageTypeShell} {
		parent := filepath.Join(liveDir, string(pkgType))
		entries, err := os.ReadDir(parent)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, ok := recorded[entry.Name()]; ok {
				continue
			}
			findings = append(findings, domain.Inconsistency{
				Kind:   domain.InconsistencyOrphanedDirectory,
				ToolID: entry.Name(),
				Path:   filepath.Join(parent, entry.Name()),
				Detail: "live directory present but no ledger record",
			})
		}
	}

	return findings, nil
}
