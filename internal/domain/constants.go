package domain

import "time"

// RegistryCacheKey is the fixed cache key under which the validated remote
// registry snapshot is stored.
const RegistryCacheKey = "marketplace:registry"

const (
	DefaultRegistryURL = "https://raw.githubusercontent.com/VHN-DEV/DevTools-Marketplace/main/registry.json"

	DefaultRegistryTTL = time.Hour

	DefaultHTTPTimeout     = 30 * time.Second
	DefaultDownloadTimeout = 60 * time.Second

	DefaultDownloadMaxAttempts = 3
	DefaultDownloadBackoff     = 500 * time.Millisecond

	// DefaultMemoryCacheCap bounds the in-process cache tier; oldest
	// entries are evicted first once the cap is reached.
	DefaultMemoryCacheCap = 128
)

const (
	DirPerm  = 0o755
	FilePerm = 0o644
)
