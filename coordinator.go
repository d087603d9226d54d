package jobsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coordinator guarantees at-most-one concurrent execution of a logically
// identical operation per key and serves recent results from a TTL cache.
//
// Construct exactly one instance per process at the composition root and
// inject it; the cache and in-flight registry are meaningless if callers
// do not share them.
type Coordinator struct {
	cacheTTL time.Duration
	logger   Logger
	metrics  Metrics

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// Operation is the unit of work deduplicated by the coordinator. The
// operation owns the actual remote call; the coordinator only decides
// whether it runs.
type Operation[T any] func(ctx context.Context) (T, error)

// Result carries an operation outcome and whether it was served from cache.
type Result[T any] struct {
	Value     T
	FromCache bool
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	forceRefresh bool
}

// ForceRefresh bypasses the cache and in-flight reuse: the operation always
// executes fresh, and on success overwrites the cached entry.
func ForceRefresh() ExecOption {
	return func(o *execOptions) { o.forceRefresh = true }
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config, logger Logger, metrics Metrics) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Coordinator{
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
		metrics:  metrics,
		cache:    map[string]cacheEntry{},
		now:      time.Now,
	}, nil
}

// Execute runs op under key, collapsing concurrent identical calls into one
// execution and reusing a cached result when one is fresh enough.
//
// Concurrent callers with the same key and no ForceRefresh share a single
// op invocation and receive the same value or the same error. Failures are
// never cached, so the next call retries fresh. An in-flight op runs to
// settlement; there is no timeout, a hung op blocks its key indefinitely.
func Execute[T any](ctx context.Context, c *Coordinator, key string, op Operation[T], opts ...ExecOption) (Result[T], error) {
	var zero Result[T]
	if key == "" {
		return zero, fmt.Errorf("execute: key cannot be empty")
	}
	if op == nil {
		return zero, fmt.Errorf("execute: operation cannot be nil")
	}
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.forceRefresh {
		// Forced calls are deliberate duplicates: they neither consult nor
		// join the dedup group.
		c.metrics.IncCounter("coordinator_force_refresh", 1)
		val, err := op(ctx)
		if err != nil {
			c.metrics.IncCounter("coordinator_failures", 1)
			return zero, err
		}
		c.store(key, val)
		return Result[T]{Value: val}, nil
	}

	if v, ok := c.lookup(key); ok {
		c.metrics.IncCounter("coordinator_cache_hits", 1)
		return Result[T]{Value: v.(T), FromCache: true}, nil
	}

	val, err, shared := c.group.Do(key, func() (any, error) {
		// Another flight may have cached while we waited on the group lock.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		c.metrics.IncCounter("coordinator_cache_misses", 1)
		res, err := op(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, res)
		return res, nil
	})
	if shared {
		c.metrics.IncCounter("coordinator_dedup_joins", 1)
	}
	if err != nil {
		c.metrics.IncCounter("coordinator_failures", 1)
		c.logger.Debug("coordinated operation failed", Field{Key: "key", Value: key}, Field{Key: "err", Value: err})
		return zero, err
	}
	return Result[T]{Value: val.(T)}, nil
}

// Invalidate drops the cached entry for key, if any.
func (c *Coordinator) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// Flush drops every cached entry.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[string]cacheEntry{}
}

// CachedKeys returns how many entries are currently cached, counting
// expired-but-unswept ones.
func (c *Coordinator) CachedKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Coordinator) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(ent.storedAt) >= c.cacheTTL {
		delete(c.cache, key)
		c.metrics.IncCounter("coordinator_cache_expired", 1)
		return nil, false
	}
	return ent.value, true
}

func (c *Coordinator) store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{value: value, storedAt: c.now()}
	c.metrics.SetGauge("coordinator_cached_keys", float64(len(c.cache)))
}
