package domain

import "time"

// CacheTier labels which cache tier served a lookup.
type CacheTier string

const (
	CacheTierMemory CacheTier = "memory"
	CacheTierFile   CacheTier = "file"
)

// RegistrySource labels where a registry snapshot came from.
type RegistrySource string

const (
	RegistrySourceCache  RegistrySource = "cache"
	RegistrySourceLocal  RegistrySource = "local"
	RegistrySourceRemote RegistrySource = "remote"
	// RegistrySourceStale: remote fetch failed and the last known snapshot
	// was served instead.
	RegistrySourceStale RegistrySource = "stale"
)

// Metrics records operational metrics for the marketplace core.
type Metrics interface {
	ObserveCacheLookup(tier CacheTier, hit bool)
	ObserveRegistryFetch(source RegistrySource, err error)
	ObserveInstall(duration time.Duration, terminal InstallState)
	ObserveDownloadRetry(toolID string)
	SetInstalledTools(count int)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveCacheLookup(CacheTier, bool)         {}
func (NopMetrics) ObserveRegistryFetch(RegistrySource, error) {}
func (NopMetrics) ObserveInstall(time.Duration, InstallState) {}
func (NopMetrics) ObserveDownloadRetry(string)                {}
func (NopMetrics) SetInstalledTools(int)                      {}

var _ Metrics = NopMetrics{}
