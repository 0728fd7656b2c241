// Package badger contains a persistent result cache backed by BadgerDB.
// Entries survive restarts and expire via Badger's native TTL support.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// Cache stores JSON-encoded results keyed by request fingerprint.
type Cache struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open creates or opens a Badger database at dir. An empty dir opens an
// in-memory database, which is useful in tests.
func Open(dir string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Lookup returns the cached result for a fingerprint or ErrCacheMiss.
// Badger drops expired entries itself, so an expired key reads as absent.
func (c *Cache) Lookup(_ context.Context, fingerprint string) (scraping.Result, error) {
	var result scraping.Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return scraping.Result{}, scraping.ErrCacheMiss
	}
	if err != nil {
		return scraping.Result{}, fmt.Errorf("read cache entry: %w", err)
	}
	return result, nil
}

// Store caches a result under the fingerprint with the given TTL,
// overwriting any existing entry. A non-positive TTL stores nothing.
func (c *Cache) Store(_ context.Context, fingerprint string, result scraping.Result, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(fingerprint), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// RunGC triggers one round of Badger value-log garbage collection. Intended
// to be called from the maintenance scheduler.
func (c *Cache) RunGC() {
	if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		c.logger.Warn("badger value log gc", zap.Error(err))
	}
}

// Close flushes and closes the underlying database.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close badger cache: %w", err)
	}
	return nil
}
