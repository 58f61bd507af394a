package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/domain"
)

const defaultCleanupInterval = 1 * time.Minute

// Loader produces a fresh value for a cache key
type Loader func(ctx context.Context) (any, error)

// Registry is the shared set of named caches. It is constructed once and
// handed to every consumer.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*NamedCache

	store  domain.DurableStore
	clock  clock.Clock
	logger *zap.Logger

	// loads collapses concurrent Fetch calls for the same name and key
	loads singleflight.Group

	// generations counts forced loads per name and key
	genMu       sync.Mutex
	generations map[string]uint64

	// Cleanup worker management
	cleanupInterval      time.Duration
	cleanupWorkerRunning bool
	cleanupWorkerMu      sync.Mutex
	cleanupWorkerStop    chan struct{}
	cleanupWorkerWg      sync.WaitGroup
}

// NewRegistry creates an empty registry. store may be nil, in which case
// persistent caches behave as memory-only caches.
func NewRegistry(store domain.DurableStore, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		caches:          make(map[string]*NamedCache),
		generations:     make(map[string]uint64),
		store:           store,
		clock:           clk,
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
	}
}

// InitCache creates the named cache. Calling it again for an existing name is
// a no-op that returns the existing cache with its data intact.
func (r *Registry) InitCache(name string, cfg Config) *NamedCache {
	r.mu.RLock()
	existing, ok := r.caches[name]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// double-check after taking the write lock
	if existing, ok := r.caches[name]; ok {
		return existing
	}

	c := NewNamedCache(name, cfg, r.store, r.clock, r.logger)
	r.caches[name] = c

	r.logger.Debug("cache initialized",
		zap.String("cache", name),
		zap.Duration("ttl", c.config.TTL),
		zap.Int("max_size", cfg.MaxSize),
		zap.Bool("persist", cfg.Persist),
	)
	return c
}

// Cache returns the named cache or nil
func (r *Registry) Cache(name string) *NamedCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caches[name]
}

// Names returns the registered cache names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get reads key from the named cache. Unknown caches always miss.
func (r *Registry) Get(name, key string) (any, bool) {
	c := r.Cache(name)
	if c == nil {
		r.logger.Debug("get on unknown cache", zap.String("cache", name))
		return nil, false
	}
	return c.Get(key)
}

// Set writes key into the named cache. Unknown caches ignore the write.
func (r *Registry) Set(name, key string, value any) {
	c := r.Cache(name)
	if c == nil {
		r.logger.Debug("set on unknown cache", zap.String("cache", name))
		return
	}
	c.Set(key, value)
}

// Replace swaps the value of a live entry of the named cache without
// extending its lifetime. Unknown caches and missing keys ignore the write.
func (r *Registry) Replace(name, key string, value any) bool {
	c := r.Cache(name)
	if c == nil {
		return false
	}
	return c.Replace(key, value)
}

// Invalidate removes one key from the named cache
func (r *Registry) Invalidate(name, key string) {
	if c := r.Cache(name); c != nil {
		c.Invalidate(key)
	}
}

// Clear removes every entry of the named cache
func (r *Registry) Clear(name string) {
	if c := r.Cache(name); c != nil {
		c.Clear()
	}
}

// InvalidateEntity drops everything cached for an entity type, typically after
// a write that makes all of its cached reads stale.
func (r *Registry) InvalidateEntity(name string) {
	c := r.Cache(name)
	if c == nil {
		return
	}
	c.Clear()
	r.logger.Debug("entity cache invalidated", zap.String("cache", name))
}

// Stats returns statistics for the named cache
func (r *Registry) Stats(name string) (Stats, bool) {
	c := r.Cache(name)
	if c == nil {
		return Stats{}, false
	}
	return c.Stats(), true
}

// Fetch implements cache-aside reads: a fresh cached value is returned as is,
// otherwise load runs and a successful result is stored. force skips the
// cache read. Errors from load are returned and never cached.
func (r *Registry) Fetch(ctx context.Context, name, key string, force bool, load Loader) (any, error) {
	c := r.Cache(name)
	if c == nil {
		r.logger.Debug("fetch on unknown cache, loading without caching", zap.String("cache", name))
		return load(ctx)
	}

	if !force {
		if value, ok := c.Get(key); ok {
			return value, nil
		}
	}

	// a forced load must not join a regular one started before it
	flight := name + "\x00" + key
	if force {
		flight += "\x00force"
	}
	value, err, shared := r.loads.Do(flight, func() (any, error) {
		gen := r.beginLoad(flight, force)
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		// a regular load that started before a forced one carries older data
		if force || r.loadGeneration(name+"\x00"+key) == gen {
			c.Set(key, value)
		}
		return value, nil
	})
	if shared {
		r.logger.Debug("fetch joined an in-flight load",
			zap.String("cache", name),
			zap.String("key", key),
		)
	}
	return value, err
}

// beginLoad returns the generation a load starts in; forced loads open a new one
func (r *Registry) beginLoad(flight string, force bool) uint64 {
	id := strings.TrimSuffix(flight, "\x00force")

	r.genMu.Lock()
	defer r.genMu.Unlock()
	if force {
		r.generations[id]++
	}
	return r.generations[id]
}

func (r *Registry) loadGeneration(id string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.generations[id]
}

// CleanExpired removes expired entries from every cache
func (r *Registry) CleanExpired(ctx context.Context) error {
	r.mu.RLock()
	caches := make([]*NamedCache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.RUnlock()

	for _, c := range caches {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if removed := c.CleanExpired(); removed > 0 {
			r.logger.Debug("expired entries removed",
				zap.String("cache", c.Name()),
				zap.Int("removed", removed),
			)
		}
	}
	return nil
}

// StartCleanupWorker starts a background goroutine that periodically removes expired items
func (r *Registry) StartCleanupWorker(interval time.Duration) {
	r.cleanupWorkerMu.Lock()
	defer r.cleanupWorkerMu.Unlock()

	if r.cleanupWorkerRunning {
		return // Already running
	}
	if interval > 0 {
		r.cleanupInterval = interval
	}

	r.cleanupWorkerRunning = true
	r.cleanupWorkerStop = make(chan struct{})

	r.cleanupWorkerWg.Add(1)
	go r.cleanupWorker(r.cleanupInterval, r.cleanupWorkerStop)
}

// StopCleanupWorker stops the background cleanup worker gracefully
func (r *Registry) StopCleanupWorker() {
	r.cleanupWorkerMu.Lock()
	defer r.cleanupWorkerMu.Unlock()

	if !r.cleanupWorkerRunning {
		return // Not running
	}

	close(r.cleanupWorkerStop)
	r.cleanupWorkerWg.Wait()
	r.cleanupWorkerRunning = false
}

func (r *Registry) cleanupWorker(interval time.Duration, stop <-chan struct{}) {
	defer r.cleanupWorkerWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = r.CleanExpired(ctx)
			cancel()
		}
	}
}
