// Package cache keeps classification reference data (statuses, priorities,
// durations and task types) between runs so the CLI and TUI can label tasks
// without asking the API every time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"planner/backend"
	"planner/internal/kvstore"
	"planner/internal/utils"
)

// Namespace is the kv store namespace used for cached reference data
const Namespace = "refcache"

const (
	settingsKey  = "settings"
	taskTypesKey = "task_types"
)

// KV is the subset of the kv store the cache needs
type KV interface {
	Get(ctx context.Context, namespace, key string) (*kvstore.Entry, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Source fetches reference data from the API
type Source interface {
	GetSettings(ctx context.Context) (*backend.Settings, error)
	ListTaskTypes(ctx context.Context) ([]backend.TaskType, error)
}

// Cached is the stored form of one cached value
type Cached[T any] struct {
	CreatedAt time.Time `json:"created_at"`
	Scope     string    `json:"scope"`
	Data      T         `json:"data"`
}

// ReferenceCache serves reference data from the kv store while it is younger
// than the TTL and falls back to the API otherwise. A zero TTL disables caching.
type ReferenceCache struct {
	kv    KV
	src   Source
	scope string
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a ReferenceCache
type Option func(*ReferenceCache)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *ReferenceCache) { c.now = now }
}

// New creates a cache. scope separates entries of different servers or users.
func New(kv KV, src Source, scope string, ttl time.Duration, opts ...Option) *ReferenceCache {
	c := &ReferenceCache{
		kv:    kv,
		src:   src,
		scope: scope,
		ttl:   ttl,
		now:   time.Now,
		log:   utils.GetLogger().With(zap.String("component", "cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSettings returns the settings bundle
func (c *ReferenceCache) GetSettings(ctx context.Context) (*backend.Settings, error) {
	s, err := lookup(ctx, c, settingsKey, func(ctx context.Context) (backend.Settings, error) {
		s, err := c.src.GetSettings(ctx)
		if err != nil {
			return backend.Settings{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListTaskTypes returns the task types
func (c *ReferenceCache) ListTaskTypes(ctx context.Context) ([]backend.TaskType, error) {
	return lookup(ctx, c, taskTypesKey, c.src.ListTaskTypes)
}

// Invalidate drops every cached value. Call it after changing settings.
func (c *ReferenceCache) Invalidate(ctx context.Context) error {
	if err := c.kv.DeleteNamespace(ctx, Namespace); err != nil {
		return fmt.Errorf("failed to invalidate reference cache: %w", err)
	}
	return nil
}

func (c *ReferenceCache) key(name string) string {
	return c.scope + "|" + name
}

// lookup returns the cached value for name when fresh. Otherwise it fetches,
// stores and returns the new value. If the fetch fails and an expired value
// exists, the expired value is returned.
func lookup[T any](ctx context.Context, c *ReferenceCache, name string, fetch func(context.Context) (T, error)) (T, error) {
	cached, found := read[T](ctx, c, name)
	if found && c.ttl > 0 && c.now().Sub(cached.CreatedAt) < c.ttl {
		c.log.Debug("reference cache hit", zap.String("key", name))
		return cached.Data, nil
	}

	fresh, err := fetch(ctx)
	if err != nil {
		if found {
			c.log.Warn("using expired reference data", zap.String("key", name), zap.Error(err))
			return cached.Data, nil
		}
		var zero T
		return zero, err
	}

	if c.ttl > 0 {
		write(ctx, c, name, fresh)
	}
	return fresh, nil
}

func read[T any](ctx context.Context, c *ReferenceCache, name string) (Cached[T], bool) {
	var cached Cached[T]
	entry, err := c.kv.Get(ctx, Namespace, c.key(name))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.log.Warn("failed to read reference cache", zap.String("key", name), zap.Error(err))
		}
		return cached, false
	}
	if err := json.Unmarshal(entry.Value, &cached); err != nil {
		c.log.Warn("corrupt reference cache entry", zap.String("key", name), zap.Error(err))
		return cached, false
	}
	if cached.Scope != c.scope {
		return cached, false
	}
	return cached, true
}

func write[T any](ctx context.Context, c *ReferenceCache, name string, data T) {
	value, err := json.Marshal(Cached[T]{CreatedAt: c.now(), Scope: c.scope, Data: data})
	if err != nil {
		c.log.Warn("failed to encode reference cache entry", zap.String("key", name), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, Namespace, c.key(name), value); err != nil {
		c.log.Warn("failed to write reference cache", zap.String("key", name), zap.Error(err))
	}
}
