package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"toolmart/internal/domain"
)

// Config holds the resolved runtime configuration for the marketplace core.
type Config struct {
	RegistryURL       string
	LocalRegistryPath string

	// DataDir roots all local state. ToolsDir, CacheDir, TempDir and
	// IndexPath default to subpaths of it when not set explicitly.
	DataDir   string
	ToolsDir  string
	CacheDir  string
	TempDir   string
	IndexPath string

	RegistryTTL     time.Duration
	HTTPTimeout     time.Duration
	DownloadTimeout time.Duration

	DownloadMaxAttempts int
	DownloadBackoff     time.Duration

	MemoryCacheCap int

	LogLevel string
}

type rawConfig struct {
	Registry rawRegistryConfig `mapstructure:"registry"`
	Data     rawDataConfig     `mapstructure:"data"`
	Download rawDownloadConfig `mapstructure:"download"`
	Cache    rawCacheConfig    `mapstructure:"cache"`
	Log      rawLogConfig      `mapstructure:"log"`
}

type rawRegistryConfig struct {
	URL         string        `mapstructure:"url"`
	LocalPath   string        `mapstructure:"localPath"`
	TTL         time.Duration `mapstructure:"ttl"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

type rawDataConfig struct {
	Dir       string `mapstructure:"dir"`
	ToolsDir  string `mapstructure:"toolsDir"`
	CacheDir  string `mapstructure:"cacheDir"`
	TempDir   string `mapstructure:"tempDir"`
	IndexPath string `mapstructure:"indexPath"`
}

type rawDownloadConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type rawCacheConfig struct {
	MemoryCap int `mapstructure:"memoryCap"`
}

type rawLogConfig struct {
	Level string `mapstructure:"level"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setConfigDefaults(v)
	v.SetEnvPrefix("TOOLMART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("registry.url", domain.DefaultRegistryURL)
	v.SetDefault("registry.localPath", "")
	v.SetDefault("registry.ttl", domain.DefaultRegistryTTL)
	v.SetDefault("registry.httpTimeout", domain.DefaultHTTPTimeout)
	v.SetDefault("data.dir", "")
	v.SetDefault("download.timeout", domain.DefaultDownloadTimeout)
	v.SetDefault("download.maxAttempts", domain.DefaultDownloadMaxAttempts)
	v.SetDefault("download.backoff", domain.DefaultDownloadBackoff)
	v.SetDefault("cache.memoryCap", domain.DefaultMemoryCacheCap)
	v.SetDefault("log.level", "info")
}

// LoadConfig resolves configuration from defaults, an optional YAML file,
// and TOOLMART_* environment variables, in increasing precedence.
func LoadConfig(path string) (Config, error) {
	v := newConfigViper()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg, errs := normalizeConfig(raw)
	if len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func normalizeConfig(raw rawConfig) (Config, []string) {
	var errs []string

	dataDir := strings.TrimSpace(raw.Data.Dir)
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			errs = append(errs, "data.dir is required when the home directory cannot be resolved")
		} else {
			dataDir = filepath.Join(home, ".toolmart")
		}
	}

	cfg := Config{
		RegistryURL:         strings.TrimSpace(raw.Registry.URL),
		LocalRegistryPath:   strings.TrimSpace(raw.Registry.LocalPath),
		DataDir:             dataDir,
		ToolsDir:            strings.TrimSpace(raw.Data.ToolsDir),
		CacheDir:            strings.TrimSpace(raw.Data.CacheDir),
		TempDir:             strings.TrimSpace(raw.Data.TempDir),
		IndexPath:           strings.TrimSpace(raw.Data.IndexPath),
		RegistryTTL:         raw.Registry.TTL,
		HTTPTimeout:         raw.Registry.HTTPTimeout,
		DownloadTimeout:     raw.Download.Timeout,
		DownloadMaxAttempts: raw.Download.MaxAttempts,
		DownloadBackoff:     raw.Download.Backoff,
		MemoryCacheCap:      raw.Cache.MemoryCap,
		LogLevel:            strings.TrimSpace(raw.Log.Level),
	}

	if cfg.ToolsDir == "" && dataDir != "" {
		cfg.ToolsDir = filepath.Join(dataDir, "tools")
	}
	if cfg.CacheDir == "" && dataDir != "" {
		cfg.CacheDir = filepath.Join(dataDir, "cache")
	}
	// Temp staging must share a filesystem with the live tool directory so
	// the final rename during Registering stays atomic.
	if cfg.TempDir == "" && dataDir != "" {
		cfg.TempDir = filepath.Join(dataDir, "tmp")
	}
	if cfg.IndexPath == "" && dataDir != "" {
		cfg.IndexPath = filepath.Join(dataDir, "installed.db")
	}

	if cfg.RegistryURL == "" {
		errs = append(errs, "registry.url is required")
	}
	if cfg.RegistryTTL <= 0 {
		errs = append(errs, "registry.ttl must be > 0")
	}
	if cfg.HTTPTimeout <= 0 {
		errs = append(errs, "registry.httpTimeout must be > 0")
	}
	if cfg.DownloadTimeout <= 0 {
		errs = append(errs, "download.timeout must be > 0")
	}
	if cfg.DownloadMaxAttempts < 1 {
		errs = append(errs, "download.maxAttempts must be >= 1")
	}
	if cfg.DownloadBackoff <= 0 {
		errs = append(errs, "download.backoff must be > 0")
	}
	if cfg.MemoryCacheCap < 1 {
		errs = append(errs, "cache.memoryCap must be >= 1")
	}

	return cfg, errs
}
