package app

import (
	"context"

	"go.uber.org/zap"

	"toolmart/internal/domain"
)

// Service is the command facade over the marketplace components. Every
// front-end operation maps to exactly one method here.
type Service struct {
	ctx    *Context
	logger *zap.Logger
}

// NewService creates the facade over a wired Context.
func NewService(appCtx *Context) *Service {
	return &Service{
		ctx:    appCtx,
		logger: appCtx.Logger.Named("service"),
	}
}

// ToolInfo pairs a registry entry with the installed record, when any.
type ToolInfo struct {
	Entry     domain.RegistryEntry        `json:"entry"`
	Installed *domain.InstalledToolRecord `json:"installed,omitempty"`
}

// UpdateResult reports the outcome of one tool within UpdateAll.
type UpdateResult struct {
	ToolID      string `json:"tool_id"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
	Err         error  `json:"-"`
}

func (s *Service) ensureSnapshot(ctx context.Context) error {
	if s.ctx.Registry.Snapshot() != nil {
		return nil
	}
	_, err := s.ctx.Registry.FetchRegistry(ctx, false)
	return err
}

// Search returns registry entries matching the query.
func (s *Service) Search(ctx context.Context, query string) ([]domain.RegistryEntry, error) {
	if err := s.ensureSnapshot(ctx); err != nil {
		return nil, err
	}
	return s.ctx.Registry.Search(query), nil
}

// List returns every registry entry.
func (s *Service) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	return s.Search(ctx, "")
}

// ListByCategory returns registry entries in the given category.
func (s *Service) ListByCategory(ctx context.Context, category string) ([]domain.RegistryEntry, error) {
	if err := s.ensureSnapshot(ctx); err != nil {
		return nil, err
	}
	return s.ctx.Registry.ListByCategory(category), nil
}

// Info returns the registry entry for a tool together with its installed
// record, when present.
func (s *Service) Info(ctx context.Context, toolID string) (ToolInfo, error) {
	const op = "service.info"

	if err := s.ensureSnapshot(ctx); err != nil {
		return ToolInfo{}, err
	}
	entry, ok := s.ctx.Registry.FindEntry(toolID)
	if !ok {
		return ToolInfo{}, domain.E(domain.CodeNotFound, op, toolID, domain.ErrToolNotFound)
	}
	info := ToolInfo{Entry: entry}
	if record, installed, err := s.ctx.Index.Get(toolID); err == nil && installed {
		info.Installed = &record
	}
	return info, nil
}

// Install installs a tool from the registry.
func (s *Service) Install(ctx context.Context, toolID string) (domain.InstalledToolRecord, error) {
	return s.ctx.Installer.Install(ctx, toolID)
}

// Update re-installs an installed tool at its latest registry version.
func (s *Service) Update(ctx context.Context, toolID string) (domain.InstalledToolRecord, error) {
	return s.ctx.Installer.Update(ctx, toolID)
}

// PlanUpdates reports which installed tools have a newer registry version.
func (s *Service) PlanUpdates(ctx context.Context) (domain.UpdatePlan, error) {
	return s.ctx.Checker.PlanUpdates(ctx)
}

// UpdateAll updates every tool the plan names. A failure on one tool does
// not abort the rest; each outcome is reported individually.
func (s *Service) UpdateAll(ctx context.Context) ([]UpdateResult, error) {
	plan, err := s.ctx.Checker.PlanUpdates(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]UpdateResult, 0, len(plan.Updates))
	for _, candidate := range plan.Updates {
		result := UpdateResult{
			ToolID:      candidate.ToolID,
			FromVersion: candidate.FromVersion,
			ToVersion:   candidate.ToVersion,
		}
		if _, err := s.ctx.Installer.Update(ctx, candidate.ToolID); err != nil {
			s.logger.Warn("update failed",
				zap.String("tool", candidate.ToolID),
				zap.Error(err))
			result.Err = err
		}
		results = append(results, result)
	}
	return results, nil
}

// ListInstalled returns the installed ledger sorted by tool id.
func (s *Service) ListInstalled() ([]domain.InstalledToolRecord, error) {
	return s.ctx.Index.List()
}

// Uninstall removes a tool's live directory and ledger record.
func (s *Service) Uninstall(toolID string) error {
	return s.ctx.Uninstaller.Uninstall(toolID)
}

// RefreshRegistry re-fetches the registry, bypassing cache freshness when
// force is set.
func (s *Service) RefreshRegistry(ctx context.Context, force bool) (*domain.RegistrySnapshot, error) {
	return s.ctx.Registry.FetchRegistry(ctx, force)
}

// Doctor reconciles the installed ledger against the live tool directory
// and reports every inconsistency found. Nothing is repaired here.
func (s *Service) Doctor() ([]domain.Inconsistency, error) {
	return s.ctx.Index.Reconcile(s.ctx.Config.ToolsDir)
}
