// Package ratelimit implements the per-bucket minute-windowed request
// counter (C5). The internal Counter is intentionally best-effort under
// concurrency: the ceiling is a soft signal and sustained abusers are
// caught by the ban that follows a limit breach, not by exact counting.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"shuma/internal/kv"
)

// Counter implements the internal (in-KV) rate limiter provider.
// Concurrent callers may race between Get and Set below; this is accepted
// per spec (see DESIGN.md's Open Question resolution on rate atomicity).
type Counter struct {
	store kv.Store
	now   func() time.Time
}

// New returns a Counter over store.
func New(store kv.Store) *Counter {
	return &Counter{store: store, now: time.Now}
}

func windowKey(site, ipBucket string, window int64) string {
	return fmt.Sprintf("rate:%s:%s:%d", site, ipBucket, window)
}

func (c *Counter) window() int64 {
	return c.now().Unix() / 60
}

// CheckAndIncrement reads the current window's count for (site, ipBucket),
// and if it is below limit, increments and returns true (allowed). If it
// is already at or above limit, it returns false without incrementing
// further, so accumulated count does not run away past the first
// observed breach plus whatever concurrent writers raced in.
func (c *Counter) CheckAndIncrement(ctx context.Context, site, ipBucket string, limit int) (bool, error) {
	key := windowKey(site, ipBucket, c.window())
	count, err := c.read(ctx, key)
	if err != nil {
		return false, err
	}
	if count >= limit {
		return false, nil
	}
	if err := c.write(ctx, key, count+1); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentUsage returns the current window's count for (site, ipBucket),
// used by the botness scorer as a rate-pressure signal.
func (c *Counter) CurrentUsage(ctx context.Context, site, ipBucket string) (int, error) {
	return c.read(ctx, windowKey(site, ipBucket, c.window()))
}

func (c *Counter) read(ctx context.Context, key string) (int, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: read %q: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *Counter) write(ctx context.Context, key string, count int) error {
	if err := c.store.Set(ctx, key, []byte(strconv.Itoa(count))); err != nil {
		return fmt.Errorf("ratelimit: write %q: %w", key, err)
	}
	return nil
}

// RedisCounter is the external rate-limiter provider: a real atomic
// INCR+EXPIRE pair, eliminating the undercount the internal Counter
// accepts.
type RedisCounter struct {
	store *kv.RedisStore
	now   func() time.Time
}

// NewRedisCounter returns a RedisCounter over store.
func NewRedisCounter(store *kv.RedisStore) *RedisCounter {
	return &RedisCounter{store: store, now: time.Now}
}

// CheckAndIncrement atomically increments the window counter and compares
// against limit.
func (c *RedisCounter) CheckAndIncrement(ctx context.Context, site, ipBucket string, limit int) (bool, error) {
	key := windowKey(site, ipBucket, c.now().Unix()/60)
	n, err := c.store.Incr(ctx, key, 90*time.Second)
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return n <= int64(limit), nil
}
