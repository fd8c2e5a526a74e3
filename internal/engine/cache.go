package engine

import (
	"sync"

	"go.uber.org/zap"
)

// BuildFunc constructs an Engine for one (provider, model) pair.
type BuildFunc func(provider, model string) (*Engine, error)

// Cache memoizes engine construction per (provider, model). Construction is
// guarded per key so concurrent first requests build exactly once; a failed
// build is cached until Invalidate so a flapping provider does not get
// hammered by every request.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	build   BuildFunc
	logger  *zap.Logger
}

type cacheEntry struct {
	once sync.Once
	eng  *Engine
	err  error
}

// NewCache creates an engine cache.
func NewCache(build BuildFunc, logger *zap.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		build:   build,
		logger:  logger,
	}
}

func cacheKey(provider, model string) string { return provider + ":" + model }

// Get returns the engine for the pair, building it on first use.
func (c *Cache) Get(provider, model string) (*Engine, error) {
	key := cacheKey(provider, model)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		c.logger.Info("Building engine", zap.String("key", key))
		e.eng, e.err = c.build(provider, model)
	})
	return e.eng, e.err
}

// Invalidate drops the cached entry for the pair.
func (c *Cache) Invalidate(provider, model string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(provider, model))
	c.mu.Unlock()
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
