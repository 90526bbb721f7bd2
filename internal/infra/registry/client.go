// Package registry obtains and validates the tool registry document.
// Snapshots come from three sources in precedence order: a local override
// file (development/offline use), the cache store, and the remote URL.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/cache"
)

// Config holds the registry sources and freshness policy.
type Config struct {
	// URL is the remote registry document location.
	URL string
	// LocalPath, when the file exists, takes unconditional precedence
	// over URL. A local snapshot is pinned until an explicit refresh or
	// an Invalidate call; it never expires silently mid-session.
	LocalPath string
	// TTL bounds the freshness of remote snapshots in the cache store.
	TTL time.Duration
	// HTTPTimeout bounds each remote fetch.
	HTTPTimeout time.Duration
}

// Client fetches, validates, and serves registry snapshots. Lookup and
// search operate on the most recently fetched snapshot and never trigger
// a fetch themselves.
type Client struct {
	cfg        Config
	store      *cache.Store
	logger     *zap.Logger
	metrics    domain.Metrics
	httpClient *http.Client

	mu       sync.RWMutex
	snapshot *domain.RegistrySnapshot
	raw      []byte
	source   domain.RegistrySource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for remote fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithMetrics wires registry fetch metrics.
func WithMetrics(metrics domain.Metrics) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewClient creates a registry client backed by the given cache store.
func NewClient(cfg Config, store *cache.Store, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = domain.DefaultRegistryTTL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = domain.DefaultHTTPTimeout
	}
	c := &Client{
		cfg:        cfg,
		store:      store,
		logger:     logger.Named("registry"),
		metrics:    domain.NopMetrics{},
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRegistry returns a validated snapshot. With forceRefresh false, a
// pinned local override or a fresh cached snapshot short-circuits the
// network. On a remote failure the last known snapshot is served with a
// warning before giving up.
func (c *Client) FetchRegistry(ctx context.Context, forceRefresh bool) (*domain.RegistrySnapshot, error) {
	const op = "registry.fetch"

	if c.localExists() {
		if !forceRefresh {
			c.mu.RLock()
			if c.snapshot != nil && c.source == domain.RegistrySourceLocal {
				snap := c.snapshot
				c.mu.RUnlock()
				return snap, nil
			}
			c.mu.RUnlock()
		}
		snap, err := c.loadLocal()
		if err == nil {
			c.metrics.ObserveRegistryFetch(domain.RegistrySourceLocal, nil)
			return snap, nil
		}
		// A broken local override falls through to the remote path
		// rather than taking the registry down.
		c.logger.Warn("local registry unusable", zap.String("path", c.cfg.LocalPath), zap.Error(err))
	}

	if !forceRefresh {
		if snap, ok := c.loadCached(); ok {
			c.metrics.ObserveRegistryFetch(domain.RegistrySourceCache, nil)
			return snap, nil
		}
	}

	snap, raw, err := c.fetchRemote(ctx)
	if err != nil {
		c.metrics.ObserveRegistryFetch(domain.RegistrySourceRemote, err)

		c.mu.RLock()
		stale := c.snapshot
		c.mu.RUnlock()
		if stale != nil {
			c.logger.Warn("remote registry fetch failed, serving last known snapshot", zap.Error(err))
			c.metrics.ObserveRegistryFetch(domain.RegistrySourceStale, nil)
			return stale, nil
		}
		return nil, domain.E(domain.CodeNetwork, op, "", fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err))
	}

	if err := c.store.Set(domain.RegistryCacheKey, raw, c.cfg.TTL); err != nil {
		c.logger.Warn("registry cache write failed", zap.Error(err))
	}
	c.setCurrent(snap, raw, domain.RegistrySourceRemote)
	c.metrics.ObserveRegistryFetch(domain.RegistrySourceRemote, nil)
	c.logger.Info("registry fetched",
		zap.String("url", c.cfg.URL),
		zap.Int("tools", len(snap.Tools)))
	return snap, nil
}

// Snapshot returns the most recently fetched snapshot, or nil when no
// fetch has happened yet.
func (c *Client) Snapshot() *domain.RegistrySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Raw returns the sanitized bytes of the current snapshot.
func (c *Client) Raw() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

// FindEntry looks up an entry by id in the current snapshot.
func (c *Client) FindEntry(toolID string) (domain.RegistryEntry, bool) {
	return c.Snapshot().FindEntry(toolID)
}

// Search returns entries whose name, description, or tags contain the
// query, case-insensitively. An empty query returns every entry.
func (c *Client) Search(query string) []domain.RegistryEntry {
	snap := c.Snapshot()
	if snap == nil {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return append([]domain.RegistryEntry(nil), snap.Tools...)
	}
	var results []domain.RegistryEntry
	for _, entry := range snap.Tools {
		if entryMatches(entry, needle) {
			results = append(results, entry)
		}
	}
	return results
}

// ListByCategory returns entries in the given category; an empty category
// returns every entry.
func (c *Client) ListByCategory(category string) []domain.RegistryEntry {
	snap := c.Snapshot()
	if snap == nil {
		return nil
	}
	if strings.TrimSpace(category) == "" {
		return append([]domain.RegistryEntry(nil), snap.Tools...)
	}
	var results []domain.RegistryEntry
	for _, entry := range snap.Tools {
		if strings.EqualFold(entry.Category, category) {
			results = append(results, entry)
		}
	}
	return results
}

// Invalidate drops the cached snapshot and the in-memory pin so the next
// fetch re-reads its source. Used by the local-override watcher.
func (c *Client) Invalidate() {
	if err := c.store.Invalidate(domain.RegistryCacheKey); err != nil {
		c.logger.Warn("registry cache invalidate failed", zap.Error(err))
	}
	c.mu.Lock()
	c.snapshot = nil
	c.raw = nil
	c.source = ""
	c.mu.Unlock()
}

func (c *Client) localExists() bool {
	if strings.TrimSpace(c.cfg.LocalPath) == "" {
		return false
	}
	info, err := os.Stat(c.cfg.LocalPath)
	return err == nil && !info.IsDir()
}

func (c *Client) loadLocal() (*domain.RegistrySnapshot, error) {
	data, err := os.ReadFile(c.cfg.LocalPath)
	if err != nil {
		return nil, err
	}
	snap, raw, err := parseRegistry(data, c.logger)
	if err != nil {
		return nil, err
	}
	c.setCurrent(snap, raw, domain.RegistrySourceLocal)
	c.logger.Info("registry loaded from local override",
		zap.String("path", c.cfg.LocalPath),
		zap.Int("tools", len(snap.Tools)))
	return snap, nil
}

func (c *Client) loadCached() (*domain.RegistrySnapshot, bool) {
	raw, ok := c.store.Get(domain.RegistryCacheKey)
	if !ok {
		return nil, false
	}
	// Cached bytes were validated before storage; failure to decode means
	// the entry is unusable and self-heals as a miss.
	var snap domain.RegistrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("cached registry snapshot unreadable", zap.Error(err))
		_ = c.store.Invalidate(domain.RegistryCacheKey)
		return nil, false
	}
	c.setCurrent(&snap, raw, domain.RegistrySourceCache)
	return &snap, true
}

func (c *Client) fetchRemote(ctx context.Context) (*domain.RegistrySnapshot, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("registry fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	snap, raw, err := parseRegistry(data, c.logger)
	if err != nil {
		return nil, nil, err
	}
	return snap, raw, nil
}

func (c *Client) setCurrent(snap *domain.RegistrySnapshot, raw []byte, source domain.RegistrySource) {
	c.mu.Lock()
	c.snapshot = snap
	c.raw = raw
	c.source = source
	c.mu.Unlock()
}

// parseRegistry validates a registry document. A malformed entry is
// skipped with a warning; an unparseable document is a schema error.
func parseRegistry(data []byte, logger *zap.Logger) (*domain.RegistrySnapshot, []byte, error) {
	const op = "registry.parse"

	var doc struct {
		Version     string            `json:"version"`
		LastUpdated string            `json:"last_updated"`
		Tools       []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, domain.E(domain.CodeSchema, op, err.Error(), domain.ErrRegistryMalformed)
	}
	if doc.Tools == nil {
		return nil, nil, domain.E(domain.CodeSchema, op, "missing tools array", domain.ErrRegistryMalformed)
	}

	snap := &domain.RegistrySnapshot{
		Version:     doc.Version,
		LastUpdated: doc.LastUpdated,
		Tools:       make([]domain.RegistryEntry, 0, len(doc.Tools)),
	}
	for i, rawEntry := range doc.Tools {
		var entry domain.RegistryEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			logger.Warn("registry entry skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		if !entry.Complete() {
			logger.Warn("registry entry missing required fields",
				zap.Int("index", i),
				zap.String("id", entry.ID))
			continue
		}
		snap.Tools = append(snap.Tools, entry)
	}

	sanitized, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, domain.E(domain.CodeInternal, op, "", err)
	}
	return snap, sanitized, nil
}

func entryMatches(entry domain.RegistryEntry, needle string) bool {
	if strings.Contains(strings.ToLower(entry.Name), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Description), needle) {
		return true
	}
	for _, tag := range entry.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}
