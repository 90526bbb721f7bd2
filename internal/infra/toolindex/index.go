// Package toolindex persists the installed-tool ledger: the single source
// of truth for what is installed. It is a single-bucket bolt database;
// bolt transactions give every mutation the atomic-write guarantee.
package toolindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"toolmart/internal/domain"
)

var bucketInstalled = []byte("installed")

// ErrIndexClosed is returned by operations on a closed index.
var ErrIndexClosed = errors.New("installed tool index is closed")

// Index is the on-disk ledger of installed tools.
type Index struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	logger *zap.Logger
	closed bool
}

// OpenIndex opens (creating if needed) the ledger at path.
func OpenIndex(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure index dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstalled)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure index bucket: %w", err)
	}
	return &Index{db: db, path: trimmed, logger: logger.Named("toolindex")}, nil
}

// Close releases the underlying database. Idempotent.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.db.Close()
}

// Get returns the record for a tool id, if present.
func (x *Index) Get(toolID string) (domain.InstalledToolRecord, bool, error) {
	var record domain.InstalledToolRecord
	found := false
	err := x.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstalled).Get([]byte(toolID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode record %s: %w", toolID, err)
		}
		found = true
		return nil
	})
	return record, found, err
}

// Put writes or overwrites the record for record.ID.
func (x *Index) Put(record domain.InstalledToolRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return x.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Put([]byte(record.ID), data)
	})
}

// Delete removes the record for a tool id. Idempotent on a missing id.
func (x *Index) Delete(toolID string) error {
	return x.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Delete([]byte(toolID))
	})
}

// List returns all records sorted by tool id. A record that fails to
// decode is skipped with a warning rather than poisoning the listing.
func (x *Index) List() ([]domain.InstalledToolRecord, error) {
	var records []domain.InstalledToolRecord
	err := x.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).ForEach(func(key, value []byte) error {
			var record domain.InstalledToolRecord
			if err := json.Unmarshal(value, &record); err != nil {
				x.logger.Warn("unreadable index record skipped", zap.ByteString("id", key), zap.Error(err))
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Count returns the number of ledger records.
func (x *Index) Count() (int, error) {
	count := 0
	err := x.view(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketInstalled).Stats().KeyN
		return nil
	})
	return count, err
}

func (x *Index) view(fn func(tx *bolt.Tx) error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrIndexClosed
	}
	return x.db.View(fn)
}

func (x *Index) update(fn func(tx *bolt.Tx) error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrIndexClosed
	}
	return x.db.Update(fn)
}
