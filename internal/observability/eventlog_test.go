package observability

import (
	"context"
	"testing"
	"time"

	"shuma/internal/kv"
	"shuma/internal/policy"
)

func TestAppendAndListHour(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		entry := LogEntry{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Site:      "example.com",
			Level:     policy.L10DenyTemp,
			Action:    policy.ADenyTemp,
			Detection: policy.DHoneypotHit,
			SignalIds: []policy.SignalId{policy.SHoneypotHit},
		}
		if err := AppendEvent(ctx, store, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := ListHour(ctx, store, now)
	if err != nil {
		t.Fatalf("list hour: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	other, err := ListHour(ctx, store, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list other hour: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected empty bucket for a different hour, got %d", len(other))
	}
}

func TestPurgeBeforeDropsOnlyOldHours(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if err := AppendEvent(ctx, store, LogEntry{Timestamp: old, Site: "a", Level: policy.L0AllowClean, Action: policy.AAllow, Detection: policy.DAllowClean}); err != nil {
		t.Fatal(err)
	}
	if err := AppendEvent(ctx, store, LogEntry{Timestamp: recent, Site: "a", Level: policy.L0AllowClean, Action: policy.AAllow, Detection: policy.DAllowClean}); err != nil {
		t.Fatal(err)
	}

	deleted, err := PurgeBefore(ctx, store, time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	remaining, err := ListHour(ctx, store, recent)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Errorf("recent hour should still have its entry, got %d", len(remaining))
	}

	goneHour, err := ListHour(ctx, store, old)
	if err != nil {
		t.Fatal(err)
	}
	if len(goneHour) != 0 {
		t.Errorf("old hour should be purged, got %d entries", len(goneHour))
	}
}
