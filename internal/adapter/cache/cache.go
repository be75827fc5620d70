// Package cache provides typed caches over the KV store with LRU eviction,
// TTL, batched access accounting, and bulk operations.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
)

// entry wraps a cached value with its bookkeeping metadata.
type entry[T any] struct {
	Value        T         `json:"v"`
	ExpiresAt    time.Time `json:"exp"`
	LastAccessed time.Time `json:"la"`
	AccessCount  int64     `json:"ac"`
}

// Options tune one named cache.
type Options struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// Cache is a typed cache named under cache:<name>: in the KV keyspace.
type Cache[T any] struct {
	store rediskv.Store
	name  string
	opts  Options

	mu            sync.Mutex
	pendingAccess map[string]time.Time

	sizeMu  sync.Mutex
	sizeVal int
	sizeAt  time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

const (
	accessFlushInterval = 5 * time.Second
	sizeMemoTTL         = 10 * time.Second
	bulkChunkSize       = 40
)

// New constructs a cache and starts its background maintenance (access-count
// flushing and expiry cleanup).
func New[T any](store rediskv.Store, name string, opts Options) *Cache[T] {
	if opts.MaxSize < 1 {
		opts.MaxSize = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	c := &Cache[T]{
		store:         store,
		name:          name,
		opts:          opts,
		pendingAccess: make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
	go c.maintain()
	return c
}

// Close stops background maintenance.
func (c *Cache[T]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache[T]) key(k string) string { return "cache:" + c.name + ":" + k }

func (c *Cache[T]) prefix() string { return "cache:" + c.name + ":" }

// Get returns the cached value for key. A hit marks the entry for a batched
// access update rather than writing through immediately.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		observability.CacheOpsTotal.WithLabelValues(c.name, "error").Inc()
		return zero, false, fmt.Errorf("op=cache.Get cache=%s: %w", c.name, err)
	}
	if !ok {
		c.misses.Add(1)
		observability.CacheOpsTotal.WithLabelValues(c.name, "miss").Inc()
		return zero, false, nil
	}
	var e entry[T]
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Another namespace collided with ours; treat as a miss and drop it.
		slog.Warn("cache entry undecodable; evicting",
			slog.String("cache", c.name), slog.String("key", key))
		_ = c.store.Del(ctx, c.key(key))
		c.misses.Add(1)
		observability.CacheOpsTotal.WithLabelValues(c.name, "miss").Inc()
		return zero, false, nil
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		_ = c.store.Del(ctx, c.key(key))
		c.misses.Add(1)
		observability.CacheOpsTotal.WithLabelValues(c.name, "expired").Inc()
		return zero, false, nil
	}
	c.mu.Lock()
	c.pendingAccess[key] = time.Now()
	c.mu.Unlock()
	c.hits.Add(1)
	observability.CacheOpsTotal.WithLabelValues(c.name, "hit").Inc()
	return e.Value, true, nil
}

// Set upserts a value, evicting least-recently-accessed entries when the
// cache overflows. ttl <= 0 uses the cache default.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := time.Now()
	e := entry[T]{Value: value, ExpiresAt: now.Add(ttl), LastAccessed: now}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=cache.Set cache=%s: %w", c.name, err)
	}
	if err := c.store.Set(ctx, c.key(key), string(raw), ttl); err != nil {
		observability.CacheOpsTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("op=cache.Set cache=%s: %w", c.name, err)
	}
	c.invalidateSizeMemo()
	if size, err := c.Size(ctx); err == nil && size > c.opts.MaxSize {
		c.evict(ctx, size-c.opts.MaxSize)
	}
	return nil
}

// Delete removes a key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.store.Del(ctx, c.key(key)); err != nil {
		return fmt.Errorf("op=cache.Delete cache=%s: %w", c.name, err)
	}
	c.invalidateSizeMemo()
	return nil
}

// Has reports presence without bumping access accounting.
func (c *Cache[T]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.store.Get(ctx, c.key(key))
	return ok, err
}

// Keys lists cache keys, optionally filtered by key prefix.
func (c *Cache[T]) Keys(ctx context.Context, keyPrefix string) ([]string, error) {
	full, err := c.store.Scan(ctx, c.prefix()+keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("op=cache.Keys cache=%s: %w", c.name, err)
	}
	out := make([]string, 0, len(full))
	for _, k := range full {
		out = append(out, k[len(c.prefix()):])
	}
	return out, nil
}

// Size returns the entry count, memoized briefly to avoid repeated full
// scans on hot paths.
func (c *Cache[T]) Size(ctx context.Context) (int, error) {
	c.sizeMu.Lock()
	if time.Since(c.sizeAt) < sizeMemoTTL {
		v := c.sizeVal
		c.sizeMu.Unlock()
		return v, nil
	}
	c.sizeMu.Unlock()

	keys, err := c.store.Scan(ctx, c.prefix())
	if err != nil {
		return 0, fmt.Errorf("op=cache.Size cache=%s: %w", c.name, err)
	}
	c.sizeMu.Lock()
	c.sizeVal = len(keys)
	c.sizeAt = time.Now()
	c.sizeMu.Unlock()
	return len(keys), nil
}

func (c *Cache[T]) invalidateSizeMemo() {
	c.sizeMu.Lock()
	c.sizeAt = time.Time{}
	c.sizeMu.Unlock()
}

// Clear removes every entry in this cache.
func (c *Cache[T]) Clear(ctx context.Context) error {
	keys, err := c.store.Scan(ctx, c.prefix())
	if err != nil {
		return fmt.Errorf("op=cache.Clear cache=%s: %w", c.name, err)
	}
	for i := 0; i < len(keys); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.store.Del(ctx, keys[i:end]...); err != nil {
			return fmt.Errorf("op=cache.Clear cache=%s: %w", c.name, err)
		}
	}
	c.invalidateSizeMemo()
	return nil
}

// BulkSet writes many entries in chunks to amortize round trips.
func (c *Cache[T]) BulkSet(ctx context.Context, values map[string]T, ttl time.Duration) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i := 0; i < len(keys); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			if err := c.Set(ctx, k, values[k], ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

// BulkDelete removes many keys in chunks.
func (c *Cache[T]) BulkDelete(ctx context.Context, keys []string) error {
	for i := 0; i < len(keys); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		full := make([]string, 0, end-i)
		for _, k := range keys[i:end] {
			full = append(full, c.key(k))
		}
		if err := c.store.Del(ctx, full...); err != nil {
			return fmt.Errorf("op=cache.BulkDelete cache=%s: %w", c.name, err)
		}
	}
	c.invalidateSizeMemo()
	return nil
}

// BulkSync applies a reconciliation batch: upserts then deletions.
func (c *Cache[T]) BulkSync(ctx context.Context, updates map[string]T, deletions []string, ttl time.Duration) error {
	if err := c.BulkSet(ctx, updates, ttl); err != nil {
		return err
	}
	return c.BulkDelete(ctx, deletions)
}

// All returns every live entry value keyed by cache key. Undecodable entries
// are skipped, never fatal to the scan.
func (c *Cache[T]) All(ctx context.Context) (map[string]T, error) {
	keys, err := c.store.Scan(ctx, c.prefix())
	if err != nil {
		return nil, fmt.Errorf("op=cache.All cache=%s: %w", c.name, err)
	}
	out := make(map[string]T, len(keys))
	for _, full := range keys {
		raw, ok, err := c.store.Get(ctx, full)
		if err != nil {
			if rediskv.IsProtocol(err) {
				slog.Warn("skipping non-string key during cache scan",
					slog.String("cache", c.name), slog.String("key", full))
				continue
			}
			return nil, fmt.Errorf("op=cache.All cache=%s: %w", c.name, err)
		}
		if !ok {
			continue
		}
		var e entry[T]
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("skipping undecodable entry during cache scan",
				slog.String("cache", c.name), slog.String("key", full))
			continue
		}
		if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
			continue
		}
		out[full[len(c.prefix()):]] = e.Value
	}
	return out, nil
}

// evict removes the n least-recently-accessed entries.
func (c *Cache[T]) evict(ctx context.Context, n int) {
	keys, err := c.store.Scan(ctx, c.prefix())
	if err != nil {
		slog.Warn("cache eviction scan failed", slog.String("cache", c.name), slog.Any("error", err))
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	entries := make([]aged, 0, len(keys))
	for _, full := range keys {
		raw, ok, err := c.store.Get(ctx, full)
		if err != nil || !ok {
			continue
		}
		var e entry[T]
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Collided key; evict it first.
			entries = append(entries, aged{key: full})
			continue
		}
		entries = append(entries, aged{key: full, at: e.LastAccessed})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	if n > len(entries) {
		n = len(entries)
	}
	for _, a := range entries[:n] {
		_ = c.store.Del(ctx, a.key)
		c.evictions.Add(1)
		observability.CacheOpsTotal.WithLabelValues(c.name, "evicted").Inc()
	}
	c.invalidateSizeMemo()
}

// Stats returns operational counters for the admin surface.
func (c *Cache[T]) Stats(ctx context.Context) map[string]interface{} {
	size, _ := c.Size(ctx)
	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return map[string]interface{}{
		"name":      c.name,
		"size":      size,
		"max_size":  c.opts.MaxSize,
		"ttl_ms":    c.opts.DefaultTTL.Milliseconds(),
		"hits":      hits,
		"misses":    misses,
		"evictions": c.evictions.Load(),
		"hit_rate":  hitRate,
	}
}

// maintain flushes batched access updates and periodically trims overflow.
func (c *Cache[T]) maintain() {
	flush := time.NewTicker(accessFlushInterval)
	cleanup := time.NewTicker(c.opts.CleanupInterval)
	defer flush.Stop()
	defer cleanup.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-flush.C:
			c.flushAccess()
		case <-cleanup.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if size, err := c.Size(ctx); err == nil && size > c.opts.MaxSize {
				c.evict(ctx, size-c.opts.MaxSize)
			}
			cancel()
		}
	}
}

// flushAccess applies pending access marks as one read-modify-write pass.
func (c *Cache[T]) flushAccess() {
	c.mu.Lock()
	if len(c.pendingAccess) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.pendingAccess
	c.pendingAccess = make(map[string]time.Time)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for key, at := range pending {
		raw, ok, err := c.store.Get(ctx, c.key(key))
		if err != nil || !ok {
			continue
		}
		var e entry[T]
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		e.LastAccessed = at
		e.AccessCount++
		out, err := json.Marshal(e)
		if err != nil {
			continue
		}
		ttl := time.Until(e.ExpiresAt)
		if ttl <= 0 {
			continue
		}
		_ = c.store.Set(ctx, c.key(key), string(out), ttl)
	}
}
