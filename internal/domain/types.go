package domain

import (
	"strings"
	"time"
)

// PackageType identifies how an installed tool is executed.
type PackageType string

const (
	PackageTypePython PackageType = "py"
	PackageTypeShell  PackageType = "sh"
)

// Valid reports whether the package type is one of the supported kinds.
func (t PackageType) Valid() bool {
	return t == PackageTypePython || t == PackageTypeShell
}

// EntryFile returns the primary script file name a tool archive must
// contain for the given tool id.
func (t PackageType) EntryFile(toolID string) string {
	switch t {
	case PackageTypeShell:
		return toolID + ".sh"
	default:
		return toolID + ".py"
	}
}

// RegistryEntry describes one installable tool as listed by the registry
// document. Entries are immutable once fetched; a new fetch replaces the
// whole snapshot.
type RegistryEntry struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	Author      string      `json:"author,omitempty"`
	Category    string      `json:"category,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	DownloadURL string      `json:"download_url"`
	Type        PackageType `json:"type"`
	Homepage    string      `json:"homepage,omitempty"`
}

// Complete reports whether all required registry fields are present.
// Entries failing this check are dropped from the snapshot.
func (e RegistryEntry) Complete() bool {
	return strings.TrimSpace(e.ID) != "" &&
		strings.TrimSpace(e.Name) != "" &&
		strings.TrimSpace(e.Description) != "" &&
		strings.TrimSpace(e.Version) != "" &&
		strings.TrimSpace(e.DownloadURL) != "" &&
		e.Type.Valid()
}

// RegistrySnapshot is a fully validated registry document.
type RegistrySnapshot struct {
	Version     string          `json:"version"`
	LastUpdated string          `json:"last_updated"`
	Tools       []RegistryEntry `json:"tools"`
}

// FindEntry returns the entry with the given id, if present.
func (s *RegistrySnapshot) FindEntry(toolID string) (RegistryEntry, bool) {
	if s == nil {
		return RegistryEntry{}, false
	}
	for _, entry := range s.Tools {
		if entry.ID == toolID {
			return entry, true
		}
	}
	return RegistryEntry{}, false
}

// InstalledToolRecord is the persisted ledger entry for one installed tool.
// The index holding these records is the single source of truth for what
// is installed; files on disk without a record are an inconsistency.
type InstalledToolRecord struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Version     string      `json:"version"`
	InstalledAt time.Time   `json:"installed_at"`
	SourceURL   string      `json:"source_url"`
	Type        PackageType `json:"type"`
}

// InstallState is one step of the install pipeline.
type InstallState string

const (
	InstallStateIdle        InstallState = "idle"
	InstallStateDownloading InstallState = "downloading"
	InstallStateVerifying   InstallState = "verifying"
	InstallStateExtracting  InstallState = "extracting"
	InstallStateRegistering InstallState = "registering"
	InstallStateInstalled   InstallState = "installed"
	InstallStateFailed      InstallState = "failed"
)

// InstallJob is the transient state of one install or update attempt.
// It lives for the duration of a single pipeline run and is never persisted.
type InstallJob struct {
	ID            string
	ToolID        string
	TargetVersion string
	State         InstallState
	TempDir       string
	Err           error
}

// UpdateCandidate is one planned upgrade for an installed tool.
type UpdateCandidate struct {
	ToolID      string `json:"toolId"`
	FromVersion string `json:"fromVersion"`
	ToVersion   string `json:"toVersion"`
}

// UpdatePlan is the result of comparing the installed ledger against the
// latest registry snapshot.
type UpdatePlan struct {
	// Updates lists tools with a strictly newer registry version.
	Updates []UpdateCandidate `json:"updates"`
	// Orphaned lists installed tool ids no longer present in the registry.
	Orphaned []string `json:"orphaned,omitempty"`
	// Incomparable lists installed tool ids whose recorded or registry
	// version does not parse as semver.
	Incomparable []string `json:"incomparable,omitempty"`
}

// InconsistencyKind classifies a mismatch between the installed ledger
// and the live tool directory.
type InconsistencyKind string

const (
	// InconsistencyOrphanedRecord: ledger record whose live directory is gone.
	InconsistencyOrphanedRecord InconsistencyKind = "orphaned_record"
	// InconsistencyOrphanedDirectory: live directory with no ledger record.
	InconsistencyOrphanedDirectory InconsistencyKind = "orphaned_directory"
)

// Inconsistency is reported for operator action, never auto-repaired.
type Inconsistency struct {
	Kind   InconsistencyKind `json:"kind"`
	ToolID string            `json:"toolId"`
	Path   string            `json:"path,omitempty"`
	Detail string            `json:"detail,omitempty"`
}
