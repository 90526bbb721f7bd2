package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/cache"
	"toolmart/internal/infra/fsutil"
	"toolmart/internal/infra/market"
	"toolmart/internal/infra/registry"
	"toolmart/internal/infra/toolindex"
)

// Context owns the wired marketplace components. All state flows through
// it explicitly; nothing here is process-global.
type Context struct {
	Config  Config
	Logger  *zap.Logger
	Metrics domain.Metrics

	Cache       *cache.Store
	Registry    *registry.Client
	Index       *toolindex.Index
	Installer   *market.Installer
	Checker     *market.UpdateChecker
	Uninstaller *market.Uninstaller
}

// ContextOption configures optional Context collaborators.
type ContextOption func(*contextOptions)

type contextOptions struct {
	metrics    domain.Metrics
	httpClient *http.Client
}

// WithMetrics wires a metrics sink through every component.
func WithMetrics(metrics domain.Metrics) ContextOption {
	return func(o *contextOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithHTTPClient overrides the HTTP client used for registry fetches and
// archive downloads.
func WithHTTPClient(client *http.Client) ContextOption {
	return func(o *contextOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// NewContext creates the component graph from a resolved config. The data
// directories are created on the spot so a fresh machine works without a
// separate init step.
func NewContext(cfg Config, logger *zap.Logger, opts ...ContextOption) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := contextOptions{metrics: domain.NopMetrics{}}
	for _, opt := range opts {
		opt(&options)
	}

	for _, dir := range []string{cfg.DataDir, cfg.ToolsDir, cfg.CacheDir, cfg.TempDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	store := cache.NewStore(cfg.CacheDir, logger,
		cache.WithMemoryCap(cfg.MemoryCacheCap),
		cache.WithMetrics(options.metrics))

	registryOpts := []registry.Option{registry.WithMetrics(options.metrics)}
	if options.httpClient != nil {
		registryOpts = append(registryOpts, registry.WithHTTPClient(options.httpClient))
	}
	client := registry.NewClient(registry.Config{
		URL:         cfg.RegistryURL,
		LocalPath:   cfg.LocalRegistryPath,
		TTL:         cfg.RegistryTTL,
		HTTPTimeout: cfg.HTTPTimeout,
	}, store, logger, registryOpts...)

	index, err := toolindex.OpenIndex(cfg.IndexPath, logger)
	if err != nil {
		return nil, err
	}

	installer := market.NewInstaller(market.InstallerConfig{
		Registry:        client,
		Index:           index,
		Logger:          logger,
		Metrics:         options.metrics,
		LiveDir:         cfg.ToolsDir,
		TempDir:         cfg.TempDir,
		HTTPClient:      options.httpClient,
		DownloadTimeout: cfg.DownloadTimeout,
		MaxAttempts:     cfg.DownloadMaxAttempts,
		BackoffBase:     cfg.DownloadBackoff,
	})

	return &Context{
		Config:      cfg,
		Logger:      logger,
		Metrics:     options.metrics,
		Cache:       store,
		Registry:    client,
		Index:       index,
		Installer:   installer,
		Checker:     market.NewUpdateChecker(client, index, logger),
		Uninstaller: market.NewUninstaller(index, cfg.ToolsDir, logger),
	}, nil
}

// StartWatcher runs the local-override watcher until ctx is canceled.
// No-op when no local registry path is configured.
func (c *Context) StartWatcher(ctx context.Context) {
	if c.Config.LocalRegistryPath == "" {
		return
	}
	watcher := registry.NewWatcher(c.Registry, c.Config.LocalRegistryPath, c.Logger)
	go watcher.Run(ctx)
}

// Close releases held resources.
func (c *Context) Close() error {
	return c.Index.Close()
}
