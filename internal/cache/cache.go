package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/metrics"
)

const (
	// Default settings
	defaultTTL     = 5 * time.Minute
	persistTimeout = 2 * time.Second
	snapshotPrefix = "cache:"
)

// Config describes one named cache
type Config struct {
	TTL     time.Duration
	MaxSize int // <= 0 means unbounded
	Persist bool
}

// entry represents a cached item with the time it was stored
type entry struct {
	key      string
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// fresh reports whether the entry can still be served at now
func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// snapshotEntry is the durable form of one entry
type snapshotEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"storedAt"`
	TTLMs    int64           `json:"ttlMs"`
}

// Stats represents cache statistics
type Stats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NamedCache is a key/value store with per-entry expiry, an insertion-order
// size bound and an optional durable mirror.
type NamedCache struct {
	name   string
	config Config
	store  domain.DurableStore
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = oldest inserted

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewNamedCache creates a cache. When cfg.Persist is set and store is not nil
// the cache hydrates once from the store before it is returned.
func NewNamedCache(name string, cfg Config, store domain.DurableStore, clk clock.Clock, logger *zap.Logger) *NamedCache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &NamedCache{
		name:   name,
		config: cfg,
		store:  store,
		clock:  clk,
		logger: logger.With(zap.String("cache", name)),
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}

	if c.persistent() {
		c.hydrate()
	}
	return c
}

// Name returns the cache name
func (c *NamedCache) Name() string {
	return c.name
}

// Config returns the cache configuration
func (c *NamedCache) Config() Config {
	return c.config
}

// Get returns the value for key if it has not expired (implements domain.Cache)
func (c *NamedCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.IncCacheMiss(c.name)
		return nil, false
	}

	e := el.Value.(*entry)
	if !e.fresh(c.clock.Now()) {
		c.removeElementLocked(el)
		c.misses++
		metrics.IncCacheMiss(c.name)
		return nil, false
	}

	c.hits++
	metrics.IncCacheHit(c.name)
	return e.value, true
}

// Set stores value under key (implements domain.Cache).
// Overwriting a key keeps its original insertion position.
func (c *NamedCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.storedAt = now
		e.ttl = c.config.TTL
	} else {
		c.items[key] = c.order.PushBack(&entry{
			key:      key,
			value:    value,
			storedAt: now,
			ttl:      c.config.TTL,
		})
		if c.config.MaxSize > 0 && c.order.Len() > c.config.MaxSize {
			c.evictOldestLocked()
		}
	}

	c.persistLocked()
}

// Replace swaps the value of a live entry but keeps its storedAt, so the
// entry still expires when the originally loaded value would have. It
// returns false, and stores nothing, when key is missing or expired.
func (c *NamedCache) Replace(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if !e.fresh(c.clock.Now()) {
		c.removeElementLocked(el)
		c.persistLocked()
		return false
	}

	e.value = value
	c.persistLocked()
	return true
}

// Invalidate removes one entry (implements domain.Cache)
func (c *NamedCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return
	}
	c.removeElementLocked(el)
	c.persistLocked()
}

// Clear removes every entry (implements domain.Cache)
func (c *NamedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.persistLocked()
}

// CleanExpired drops every entry that can no longer be served and returns how many were removed
func (c *NamedCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*entry).fresh(now) {
			c.removeElementLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of stored entries, expired ones included
func (c *NamedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the stored keys oldest-inserted first
func (c *NamedCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Stats returns cache statistics
func (c *NamedCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Name:      c.name,
		Entries:   c.order.Len(),
		MaxSize:   c.config.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *NamedCache) evictOldestLocked() {
	oldest := c.order.Front()
	if oldest == nil {
		return
	}
	c.removeElementLocked(oldest)
	c.evictions++
	metrics.IncCacheEviction(c.name)

	c.logger.Debug("evicted oldest entry",
		zap.String("key", oldest.Value.(*entry).key),
		zap.Int("max_size", c.config.MaxSize),
	)
}

func (c *NamedCache) removeElementLocked(el *list.Element) {
	delete(c.items, el.Value.(*entry).key)
	c.order.Remove(el)
}

func (c *NamedCache) persistent() bool {
	return c.config.Persist && c.store != nil
}

func (c *NamedCache) snapshotKey() string {
	return snapshotPrefix + c.name
}

// persistLocked mirrors the whole cache into the durable store.
// Failures are logged and otherwise ignored.
func (c *NamedCache) persistLocked() {
	if !c.persistent() {
		return
	}

	snapshot := make(map[string]snapshotEntry, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		raw, err := json.Marshal(e.value)
		if err != nil {
			c.logger.Warn("skipping value that cannot be persisted",
				zap.String("key", e.key),
				zap.Error(err),
			)
			continue
		}
		snapshot[e.key] = snapshotEntry{
			Value:    raw,
			StoredAt: e.storedAt.UnixMilli(),
			TTLMs:    e.ttl.Milliseconds(),
		}
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		c.persistFailed("encode snapshot", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Set(ctx, c.snapshotKey(), payload); err != nil {
		c.persistFailed("write snapshot", err)
	}
}

// hydrate loads the durable snapshot once. Missing or corrupt data leaves the cache empty.
func (c *NamedCache) hydrate() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	payload, err := c.store.Get(ctx, c.snapshotKey())
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		c.persistFailed("read snapshot", err)
		return
	}

	var snapshot map[string]snapshotEntry
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		c.persistFailed("decode snapshot", err)
		return
	}

	now := c.clock.Now()
	restored := make([]*entry, 0, len(snapshot))
	for key, se := range snapshot {
		var value any
		if err := json.Unmarshal(se.Value, &value); err != nil {
			c.logger.Warn("dropping corrupt snapshot entry", zap.String("key", key), zap.Error(err))
			continue
		}
		e := &entry{
			key:      key,
			value:    value,
			storedAt: time.UnixMilli(se.StoredAt),
			ttl:      time.Duration(se.TTLMs) * time.Millisecond,
		}
		if !e.fresh(now) {
			continue
		}
		restored = append(restored, e)
	}

	// a JSON object has no order; storedAt is the closest thing to insertion order
	sort.Slice(restored, func(i, j int) bool {
		if restored[i].storedAt.Equal(restored[j].storedAt) {
			return restored[i].key < restored[j].key
		}
		return restored[i].storedAt.Before(restored[j].storedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range restored {
		c.items[e.key] = c.order.PushBack(e)
	}
	for c.config.MaxSize > 0 && c.order.Len() > c.config.MaxSize {
		c.evictOldestLocked()
	}

	c.logger.Info("cache hydrated from durable store", zap.Int("entries", c.order.Len()))
}

func (c *NamedCache) persistFailed(op string, err error) {
	metrics.IncCachePersistFailure(c.name)
	c.logger.Warn("durable cache mirror failed, continuing in memory",
		zap.String("op", op),
		zap.Error(err),
	)
}

// Verify that NamedCache implements domain.Cache interface
var _ domain.Cache = (*NamedCache)(nil)
