// Package cache implements the two-tier smart cache: an in-process memory
// tier in front of an on-disk file tier. Entries carry a per-entry TTL;
// a stale entry is logically absent even while physically present and is
// purged when observed. File-tier corruption degrades to a miss.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolmart/internal/domain"
	"toolmart/internal/infra/fsutil"
)

// entry is the serialized form of one cached value. The same shape is
// used in both tiers; the file tier stores it as JSON, one file per key.
type entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

func (e *entry) fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Store is a key/value cache with per-entry TTL and two tiers. Memory-tier
// entries die with the process; file-tier entries persist across restarts
// and are lazily reconciled on read. Safe for concurrent use; operations
// on the same key are linearized by the store lock.
type Store struct {
	mu        sync.RWMutex
	dir       string
	logger    *zap.Logger
	metrics   domain.Metrics
	memoryCap int
	memory    map[string]*entry
	order     []string // insertion order for FIFO eviction
}

// Option configures a Store.
type Option func(*Store)

// WithMemoryCap bounds the number of memory-tier entries.
func WithMemoryCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.memoryCap = n
		}
	}
}

// WithMetrics wires cache lookup metrics.
func WithMetrics(metrics domain.Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewStore creates a cache rooted at dir. The directory is created on the
// first file-tier write, not here, so a read-only configuration can still
// construct a store.
func NewStore(dir string, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:       dir,
		logger:    logger.Named("cache"),
		metrics:   domain.NopMetrics{},
		memoryCap: domain.DefaultMemoryCacheCap,
		memory:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set stores value under key in both tiers, overwriting any previous
// entry. The file-tier write is atomic. A non-positive ttl stores nothing.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" || ttl <= 0 {
		return nil
	}
	e := &entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		StoredAt: time.Now(),
		TTL:      ttl,
	}

	s.mu.Lock()
	s.addToMemory(key, e)
	s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.filePath(key), data, domain.FilePerm); err != nil {
		// A file-tier problem never surfaces as a hard error; the memory
		// tier still holds the entry for this process.
		s.logger.Warn("file tier write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Get returns the cached value for key, or (nil, false) when absent or
// stale. A fresh file-tier hit is promoted into the memory tier.
func (s *Store) Get(key string) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.memory[key]; ok {
		if e.fresh(now) {
			value := append([]byte(nil), e.Value...)
			s.mu.Unlock()
			s.metrics.ObserveCacheLookup(domain.CacheTierMemory, true)
			return value, true
		}
		s.removeFromMemory(key)
	}
	s.mu.Unlock()
	s.metrics.ObserveCacheLookup(domain.CacheTierMemory, false)

	e, ok := s.readFile(key, now)
	if !ok {
		s.metrics.ObserveCacheLookup(domain.CacheTierFile, false)
		return nil, false
	}

	s.mu.Lock()
	s.addToMemory(key, e)
	s.mu.Unlock()
	s.metrics.ObserveCacheLookup(domain.CacheTierFile, true)
	return append([]byte(nil), e.Value...), true
}

// Has reports whether a fresh entry exists for key.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Invalidate removes key from both tiers unconditionally.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	s.removeFromMemory(key)
	s.mu.Unlock()

	if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear drops every entry from both tiers.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.memory = make(map[string]*entry)
	s.order = nil
	s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("clear failed for cache file", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// CleanupExpired sweeps stale entries from both tiers and returns the
// number of file-tier entries removed. Unparseable files are removed too.
func (s *Store) CleanupExpired() (int, error) {
	now := time.Now()

	s.mu.Lock()
	for key, e := range s.memory {
		if !e.fresh(now) {
			s.removeFromMemory(key)
		}
	}
	s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil || !e.fresh(now) {
			if err := os.Remove(path); err == nil || os.IsNotExist(err) {
				removed++
			}
		}
	}
	return removed, nil
}

// readFile loads a fresh file-tier entry for key. Stale or corrupt files
// are deleted and reported as a miss.
func (s *Store) readFile(key string, now time.Time) (*entry, bool) {
	path := s.filePath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("corrupt cache file removed", zap.String("key", key), zap.Error(err))
		_ = os.Remove(path)
		return nil, false
	}
	if !e.fresh(now) {
		_ = os.Remove(path)
		return nil, false
	}
	return &e, true
}

// addToMemory inserts under the store lock, evicting the oldest entry
// once the cap is reached.
func (s *Store) addToMemory(key string, e *entry) {
	if _, exists := s.memory[key]; !exists {
		for len(s.memory) >= s.memoryCap && len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.memory, oldest)
		}
		s.order = append(s.order, key)
	}
	s.memory[key] = e
}

func (s *Store) removeFromMemory(key string) {
	if _, ok := s.memory[key]; !ok {
		return
	}
	delete(s.memory, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// filePath maps a key to its file-tier location. Keys are hashed so any
// string is a valid cache key regardless of filesystem rules.
func (s *Store) filePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}
