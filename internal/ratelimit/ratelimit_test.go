package ratelimit

import (
	"context"
	"testing"
	"time"

	"shuma/internal/kv"
)

func TestCheckAndIncrementBoundary(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore())
	fixed := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return fixed }

	const limit = 3
	var results []bool
	for i := 0; i < 4; i++ {
		ok, err := c.CheckAndIncrement(ctx, "default", "198.51.100.0/24", limit)
		if err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
		results = append(results, ok)
	}

	want := []bool{true, true, true, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("request %d allowed=%v, want %v", i+1, results[i], want[i])
		}
	}
}

func TestCurrentUsageReflectsIncrements(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore())
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	c.CheckAndIncrement(ctx, "default", "bucket", 10)
	c.CheckAndIncrement(ctx, "default", "bucket", 10)

	usage, err := c.CurrentUsage(ctx, "default", "bucket")
	if err != nil {
		t.Fatalf("CurrentUsage: %v", err)
	}
	if usage != 2 {
		t.Errorf("CurrentUsage = %d, want 2", usage)
	}
}

func TestWindowRollover(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore())
	start := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return start }

	for i := 0; i < 3; i++ {
		c.CheckAndIncrement(ctx, "default", "bucket", 3)
	}
	ok, _ := c.CheckAndIncrement(ctx, "default", "bucket", 3)
	if ok {
		t.Fatalf("expected 4th request in same window to be rejected")
	}

	c.now = func() time.Time { return start.Add(61 * time.Second) }
	ok, err := c.CheckAndIncrement(ctx, "default", "bucket", 3)
	if err != nil {
		t.Fatalf("CheckAndIncrement: %v", err)
	}
	if !ok {
		t.Fatalf("expected request in new window to be allowed")
	}
}
