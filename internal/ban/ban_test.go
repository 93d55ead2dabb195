package ban

import (
	"context"
	"strings"
	"testing"
	"time"

	"shuma/internal/kv"
)

func newTestRegistry(at time.Time) *Registry {
	r := New(kv.NewMemoryStore())
	r.now = func() time.Time { return at }
	return r
}

func TestBanThenIsBanned(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(now)

	if err := r.BanWithFingerprint(ctx, "default", "1.2.3.4", "honeypot", 3600, nil); err != nil {
		t.Fatalf("BanWithFingerprint: %v", err)
	}
	if !r.IsBanned(ctx, "default", "1.2.3.4") {
		t.Fatalf("IsBanned = false immediately after ban")
	}
}

func TestBanExpires(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(start)

	r.BanWithFingerprint(ctx, "default", "1.2.3.4", "rate", 10, nil)
	r.now = func() time.Time { return start.Add(11 * time.Second) }

	if r.IsBanned(ctx, "default", "1.2.3.4") {
		t.Fatalf("IsBanned = true after expiry")
	}
	if _, ok, _ := r.store.Get(ctx, banKey("default", "1.2.3.4")); ok {
		t.Fatalf("ban key still present after expiry access")
	}
}

func TestUnban(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.BanWithFingerprint(ctx, "default", "1.2.3.4", "honeypot", 3600, nil)
	if err := r.Unban(ctx, "default", "1.2.3.4"); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if r.IsBanned(ctx, "default", "1.2.3.4") {
		t.Fatalf("IsBanned = true after unban")
	}
}

func TestSanitizeStripsControlCharsAndTruncates(t *testing.T) {
	r := newTestRegistry(time.Unix(0, 0))
	long := strings.Repeat("a", maxBanReasonLen+50) + "\x00\x01bad"
	ctx := context.Background()
	r.BanWithFingerprint(ctx, "default", "1.2.3.4", long, 60, nil)

	raw, _, _ := r.store.Get(ctx, banKey("default", "1.2.3.4"))
	if strings.Contains(string(raw), "\x00") {
		t.Fatalf("stored reason contains control characters: %s", raw)
	}
	if strings.Contains(string(raw), strings.Repeat("a", maxBanReasonLen+1)) {
		t.Fatalf("stored reason not truncated: %s", raw)
	}
}

func TestListActiveBansRebuildsEmptyIndex(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(time.Unix(1_700_000_000, 0))
	r.BanWithFingerprint(ctx, "default", "1.2.3.4", "honeypot", 3600, nil)

	// Simulate a pre-index-era install: drop the index, leave the record.
	r.store.Delete(ctx, indexKey("default"))

	active, err := r.ListActiveBans(ctx, "default")
	if err != nil {
		t.Fatalf("ListActiveBans: %v", err)
	}
	if _, ok := active["1.2.3.4"]; !ok {
		t.Fatalf("ListActiveBans did not recover entry via scan rebuild: %v", active)
	}
}

func TestListActiveBansPrunesExpired(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(start)
	r.BanWithFingerprint(ctx, "default", "1.2.3.4", "rate", 10, nil)
	r.BanWithFingerprint(ctx, "default", "5.6.7.8", "rate", 10000, nil)

	r.now = func() time.Time { return start.Add(20 * time.Second) }
	active, err := r.ListActiveBans(ctx, "default")
	if err != nil {
		t.Fatalf("ListActiveBans: %v", err)
	}
	if _, ok := active["1.2.3.4"]; ok {
		t.Fatalf("expired entry still listed as active: %v", active)
	}
	if _, ok := active["5.6.7.8"]; !ok {
		t.Fatalf("unexpired entry missing: %v", active)
	}
}
