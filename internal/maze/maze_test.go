package maze

import (
	"context"
	"testing"
	"time"

	"shuma/internal/kv"
	"shuma/internal/siteconfig"
)

func TestTokenSignVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1000, 0)
	raw, tok, err := IssueRoot("1.2.3.0/24", "chrome", "/maze/start", 4, "maze-secret", 60*time.Second, now)
	if err != nil {
		t.Fatalf("IssueRoot: %v", err)
	}
	got, tokErr, verr := Verify(raw, "maze-secret", "1.2.3.0/24", "chrome", "/maze/start", 12, now)
	if verr != nil {
		t.Fatalf("Verify failed: %v (%v)", verr, tokErr)
	}
	if got.Depth != tok.Depth {
		t.Errorf("Depth = %d, want %d", got.Depth, tok.Depth)
	}
}

func TestTokenVerifyRejectsDepthExceeded(t *testing.T) {
	now := time.Unix(1000, 0)
	raw, _, _ := IssueRoot("1.2.3.0/24", "chrome", "/maze/start", 4, "maze-secret", 60*time.Second, now)
	_, tokErr, verr := Verify(raw, "maze-secret", "1.2.3.0/24", "chrome", "/maze/start", 0, now)
	if verr == nil || tokErr != TokenErrDepthExceeded {
		t.Errorf("Verify = (%v, %v), want TokenErrDepthExceeded", tokErr, verr)
	}
}

func TestTokenVerifyRejectsBindingMismatch(t *testing.T) {
	now := time.Unix(1000, 0)
	raw, _, _ := IssueRoot("1.2.3.0/24", "chrome", "/maze/start", 4, "maze-secret", 60*time.Second, now)
	_, tokErr, verr := Verify(raw, "maze-secret", "9.9.9.0/24", "chrome", "/maze/start", 12, now)
	if verr == nil || tokErr != TokenErrBindingMismatch {
		t.Errorf("Verify = (%v, %v), want TokenErrBindingMismatch", tokErr, verr)
	}
}

func TestTokenVerifyRejectsPathMismatch(t *testing.T) {
	now := time.Unix(1000, 0)
	raw, _, _ := IssueRoot("1.2.3.0/24", "chrome", "/maze/start", 4, "maze-secret", 60*time.Second, now)
	_, tokErr, verr := Verify(raw, "maze-secret", "1.2.3.0/24", "chrome", "/maze/other-node", 12, now)
	if verr == nil || tokErr != TokenErrBindingMismatch {
		t.Errorf("Verify = (%v, %v), want TokenErrBindingMismatch for replayed-to-other-path token", tokErr, verr)
	}
}

func TestMicroPowDifficultyRampAndCap(t *testing.T) {
	if got := MicroPowDifficulty(12, 5, 4); got != 0 {
		t.Errorf("MicroPowDifficulty(before start) = %d, want 0", got)
	}
	if got := MicroPowDifficulty(12, 5, 5); got != 12 {
		t.Errorf("MicroPowDifficulty(at start) = %d, want 12", got)
	}
	if got := MicroPowDifficulty(12, 5, 30); got != 24 {
		t.Errorf("MicroPowDifficulty(far past start) = %d, want capped 24", got)
	}
}

func TestAcquireLeaseRejectsAtCap(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())

	l1, ok, err := state.AcquireLease(ctx, "1.2.3.0/24", 1, 1)
	if err != nil || !ok {
		t.Fatalf("first AcquireLease = (%v, %v)", ok, err)
	}
	_, ok, err = state.AcquireLease(ctx, "1.2.3.0/24", 1, 1)
	if err != nil || ok {
		t.Fatalf("second AcquireLease at cap = (%v, %v), want false", ok, err)
	}
	l1.Release(ctx)
	_, ok, err = state.AcquireLease(ctx, "1.2.3.0/24", 1, 1)
	if err != nil || !ok {
		t.Fatalf("AcquireLease after release = (%v, %v), want true", ok, err)
	}
}

func TestMarkSeenRejectsReplay(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())
	fresh, err := state.MarkSeen(ctx, "flow1", "op1")
	if err != nil || !fresh {
		t.Fatalf("first MarkSeen = (%v, %v), want true", fresh, err)
	}
	fresh, err = state.MarkSeen(ctx, "flow1", "op1")
	if err != nil || fresh {
		t.Fatalf("second MarkSeen = (%v, %v), want false (replay)", fresh, err)
	}
}

func TestRecordViolationEscalatesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())
	var escalate bool
	for i := 0; i < HighConfidenceEscalationCount; i++ {
		_, escalate, _ = state.RecordViolation(ctx, "1.2.3.0/24")
	}
	if !escalate {
		t.Errorf("RecordViolation after %d violations = no escalation, want escalation", HighConfidenceEscalationCount)
	}
}

func TestTierForDegradesWithDepthAndRisk(t *testing.T) {
	if got := TierFor(1, 0, false); got != StyleFull {
		t.Errorf("TierFor(shallow, low risk) = %v, want Full", got)
	}
	if got := TierFor(2, 0, false); got != StyleLite {
		t.Errorf("TierFor(depth 2) = %v, want Lite", got)
	}
	if got := TierFor(3, 0, true); got != StyleMachine {
		t.Errorf("TierFor(deep, repeat violations) = %v, want Machine", got)
	}
}

func TestRuntimeServeEntryIssuesRootToken(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())
	rt := NewRuntime(state, "maze-secret")
	cfg := siteconfig.Default()

	result, err := rt.Serve(ctx, cfg, ServeRequest{
		Site: "example.com", Path: "/maze/start", IPBucket: "1.2.3.0/24", UABucket: "chrome", Now: time.Unix(1000, 0),
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if result.HTML == "" {
		t.Errorf("Serve entry produced empty HTML")
	}
}

func TestRuntimeServeRejectsBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())
	rt := NewRuntime(state, "maze-secret")
	cfg := siteconfig.Default()
	cfg.Maze.GlobalConcurrentBudget = 1
	cfg.Maze.BucketConcurrentBudget = 1

	// Exhaust the lease without releasing it, to force the next Serve to reject.
	_, ok, err := state.AcquireLease(ctx, "1.2.3.0/24", cfg.Maze.GlobalConcurrentBudget, cfg.Maze.BucketConcurrentBudget)
	if err != nil || !ok {
		t.Fatalf("setup AcquireLease failed: %v %v", ok, err)
	}

	result, err := rt.Serve(ctx, cfg, ServeRequest{
		Site: "example.com", Path: "/maze/start", IPBucket: "1.2.3.0/24", UABucket: "chrome", Now: time.Unix(1000, 0),
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if result.Fallback != FallbackBudgetExceeded {
		t.Errorf("Serve = %+v, want FallbackBudgetExceeded", result)
	}
}

func TestRuntimeServeRejectsReplayedToken(t *testing.T) {
	ctx := context.Background()
	state := NewState(kv.NewMemoryStore())
	rt := NewRuntime(state, "maze-secret")
	cfg := siteconfig.Default()
	now := time.Unix(1000, 0)

	raw, _, err := IssueRoot("1.2.3.0/24", "chrome", "/maze/a", 4, "maze-secret", time.Duration(cfg.Maze.TokenTTLSeconds)*time.Second, now)
	if err != nil {
		t.Fatalf("IssueRoot: %v", err)
	}

	req := ServeRequest{Site: "example.com", Path: "/maze/a", IPBucket: "1.2.3.0/24", UABucket: "chrome", RawToken: raw, Now: now}
	if _, err := rt.Serve(ctx, cfg, req); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
	result, err := rt.Serve(ctx, cfg, req)
	if err != nil {
		t.Fatalf("second Serve: %v", err)
	}
	if result.Fallback != FallbackTokenReplay {
		t.Errorf("second Serve = %+v, want FallbackTokenReplay", result)
	}
}
