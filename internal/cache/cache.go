// Package cache provides a per-key TTL cache with stale-while-revalidate.
//
// A value younger than its TTL is served as is. A value past its TTL but
// inside the grace window is served while one background refresh replaces
// it. Anything older is a miss and callers load it themselves through Fetch.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL            = time.Minute
	defaultRefreshTimeout = 30 * time.Second
)

var (
	// ErrMissingLoader indicates that a cache was configured without a loader.
	ErrMissingLoader = errors.New("cache: loader is required")
	// ErrUnexpectedValue indicates a shared load produced a value of the wrong type.
	ErrUnexpectedValue = errors.New("cache: unexpected value type")
)

// Loader produces the value for a key.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Config describes a cache.
type Config[V any] struct {
	// TTL applies to loads and to Put calls with a non-positive ttl.
	TTL time.Duration
	// Grace is how long past its TTL a value may still be served.
	Grace          time.Duration
	RefreshTimeout time.Duration
	Loader         Loader[V]
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Cache is safe for concurrent use. Keys never contend with each other.
type Cache[V any] struct {
	ttl            time.Duration
	grace          time.Duration
	refreshTimeout time.Duration
	loader         Loader[V]
	clock          func() time.Time
	logger         *zap.Logger

	slots sync.Map
	group singleflight.Group
}

type slot[V any] struct {
	mu         sync.Mutex
	entry      *entry[V]
	generation uint64
	refreshing bool
}

type entry[V any] struct {
	value     V
	ttl       time.Duration
	expiresAt time.Time
}

// New constructs a cache.
func New[V any](cfg Config[V]) (*Cache[V], error) {
	if cfg.Loader == nil {
		return nil, ErrMissingLoader
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	grace := cfg.Grace
	if grace < 0 {
		grace = 0
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		ttl:            ttl,
		grace:          grace,
		refreshTimeout: refreshTimeout,
		loader:         cfg.Loader,
		clock:          clock,
		logger:         logger,
	}, nil
}

func (c *Cache[V]) slot(key string) *slot[V] {
	if existing, ok := c.slots.Load(key); ok {
		return existing.(*slot[V])
	}
	created, _ := c.slots.LoadOrStore(key, &slot[V]{})
	return created.(*slot[V])
}

// Get returns the cached value without blocking. A stale value inside the
// grace window is returned and triggers a background refresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	s := c.slot(key)
	now := c.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	if s.entry == nil {
		return zero, false
	}
	if !now.After(s.entry.expiresAt) {
		return s.entry.value, true
	}
	if now.After(s.entry.expiresAt.Add(c.grace)) {
		s.entry = nil
		return zero, false
	}
	if !s.refreshing {
		s.refreshing = true
		go c.revalidate(key, s, s.generation, s.entry.ttl)
	}
	return s.entry.value, true
}

// Put stores a value. A non-positive ttl uses the configured default. Any
// refresh already in flight for the key is discarded when it lands.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	s := c.slot(key)
	s.mu.Lock()
	s.generation++
	s.entry = &entry[V]{value: value, ttl: ttl, expiresAt: c.clock().Add(ttl)}
	s.mu.Unlock()
}

// Invalidate removes the entry so the next Get is a miss.
func (c *Cache[V]) Invalidate(key string) {
	s := c.slot(key)
	s.mu.Lock()
	s.generation++
	s.entry = nil
	s.mu.Unlock()
}

// Fetch returns the cached value or blocks on a load. Concurrent loads of
// one key share a single loader call.
func (c *Cache[V]) Fetch(ctx context.Context, key string, ttl time.Duration) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	s := c.slot(key)
	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	var zero V
	shared, err, _ := c.group.Do(key, func() (any, error) {
		value, err := c.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.store(s, generation, value, ttl)
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	value, ok := shared.(V)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedValue, shared)
	}
	return value, nil
}

func (c *Cache[V]) revalidate(key string, s *slot[V], generation uint64, ttl time.Duration) {
	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	_, err, _ := c.group.Do(key, func() (any, error) {
		value, err := c.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.store(s, generation, value, ttl)
		return value, nil
	})
	if err != nil {
		c.logger.Warn("background refresh failed",
			zap.String("operation", "cache.revalidate"),
			zap.String("reason", "load_failed"),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// store keeps a loaded value only if the key was not invalidated or
// overwritten since the load started.
func (c *Cache[V]) store(s *slot[V], generation uint64, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	s.generation++
	s.entry = &entry[V]{value: value, ttl: ttl, expiresAt: c.clock().Add(ttl)}
}
