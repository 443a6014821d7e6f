package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ============================================================================
// ResponseCache
// ============================================================================

// DefaultCacheTTL is the age below which a cached read is considered fresh.
const DefaultCacheTTL = 5 * time.Minute

// CacheEntry is a cached read response. Staleness never deletes an entry;
// stale entries stay available as a last-resort offline fallback.
type CacheEntry struct {
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"storedAt"`
}

// Cache is a durable key -> (payload, timestamp) store over the shared
// Store, with a fixed time-to-live. Entries are only ever evicted by
// overwrite; the entry count stays low and freshness is checked on read.
type Cache struct {
	store *Store
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a response cache over the store. A non-positive ttl
// selects DefaultCacheTTL.
func NewCache(store *Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

func cacheKeyBytes(key string) []byte {
	return append(append([]byte{}, cachePrefix...), key...)
}

// Put writes or overwrites the entry for key with the current timestamp.
func (c *Cache) Put(key string, data json.RawMessage) error {
	if c.store.closed.Load() {
		return ErrStoreClosed
	}
	entry := CacheEntry{Key: key, Data: data, StoredAt: c.now().UTC()}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	err = c.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKeyBytes(key), raw)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Get returns the entry for key, or nil when absent. Stale entries are
// returned too; use Fresh to decide whether a network call is needed.
func (c *Cache) Get(key string) (*CacheEntry, error) {
	if c.store.closed.Load() {
		return nil, ErrStoreClosed
	}
	var entry *CacheEntry
	err := c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKeyBytes(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e CacheEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("unmarshal cache entry: %w", err)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return entry, nil
}

// Fresh reports whether the entry is younger than the cache TTL.
func (c *Cache) Fresh(entry *CacheEntry) bool {
	return entry != nil && c.now().Sub(entry.StoredAt) < c.ttl
}

// Invalidate removes the entry for key, forcing the next read to the
// network. Push-event handlers use this when server state changes.
func (c *Cache) Invalidate(key string) error {
	if c.store.closed.Load() {
		return ErrStoreClosed
	}
	err := c.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKeyBytes(key))
	})
	if err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// CacheKey derives the deterministic cache key for a request: method, path
// and sorted query parameters. Distinct logical requests never collide.
func CacheKey(method, path string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(path)
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(params[k]))
		}
	}
	return b.String()
}
