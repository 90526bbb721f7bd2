package market

import (
	"context"

	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/registry"
	"toolmart/internal/infra/toolindex"
)

// UpdateChecker compares the installed ledger against the latest registry
// snapshot to produce an upgrade plan.
type UpdateChecker struct {
	client *registry.Client
	index  *toolindex.Index
	logger *zap.Logger
}

// NewUpdateChecker creates a checker over the given registry client and
// ledger.
func NewUpdateChecker(client *registry.Client, index *toolindex.Index, logger *zap.Logger) *UpdateChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateChecker{
		client: client,
		index:  index,
		logger: logger.Named("update-checker"),
	}
}

// PlanUpdates emits one candidate per installed tool whose registry
// version is strictly newer under semver ordering. Installed tools absent
// from the registry are reported as orphaned; unparseable versions are
// reported as incomparable. Neither is silently dropped.
func (c *UpdateChecker) PlanUpdates(ctx context.Context) (domain.UpdatePlan, error) {
	const op = "market.plan_updates"

	if c.client.Snapshot() == nil {
		if _, err := c.client.FetchRegistry(ctx, false); err != nil {
			return domain.UpdatePlan{}, err
		}
	}

	records, err := c.index.List()
	if err != nil {
		return domain.UpdatePlan{}, domain.E(domain.CodeInternal, op, "", err)
	}

	var plan domain.UpdatePlan
	for _, record := range records {
		entry, ok := c.client.FindEntry(record.ID)
		if !ok {
			plan.Orphaned = append(plan.Orphaned, record.ID)
			continue
		}
		newer, err := domain.IsNewerVersion(record.Version, entry.Version)
		if err != nil {
			c.logger.Warn("version not comparable",
				zap.String("tool", record.ID),
				zap.String("installed", record.Version),
				zap.String("registry", entry.Version),
				zap.Error(err))
			plan.Incomparable = append(plan.Incomparable, record.ID)
			continue
		}
		if newer {
			plan.Updates = append(plan.Updates, domain.UpdateCandidate{
				ToolID:      record.ID,
				FromVersion: record.Version,
				ToVersion:   entry.Version,
			})
		}
	}
	return plan, nil
}
