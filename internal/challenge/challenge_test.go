package challenge

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"shuma/internal/envelope"
	"shuma/internal/kv"
)

func TestApplyTransformRotateCw90(t *testing.T) {
	grid := []byte{
		1, 2,
		0, 1,
	}
	got := applyTransform(grid, 2, RotateCw90)
	want := []byte{
		0, 1,
		1, 2,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RotateCw90 = %v, want %v", got, want)
		}
	}
}

func TestSelectTransformPairNeverPicksInverseRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		pair := SelectTransformPair(rng)
		if isInverseRotationPair(pair[0], pair[1]) {
			t.Fatalf("SelectTransformPair returned inverse rotation pair %v", pair)
		}
	}
}

func TestBuildIsDeterministicForIdenticalSeeds(t *testing.T) {
	seed := Seed{
		GridSize: 4, ActiveCells: 6,
		Transforms:    []Transform{ShiftUp, MirrorHorizontal},
		TrainingCount: 2, PRNGSeed: 12345,
	}
	a := Build(seed)
	b := Build(seed)
	if GridToTritString(a.TestOutput) != GridToTritString(b.TestOutput) {
		t.Errorf("Build is not deterministic for identical seeds")
	}
}

func TestParseSubmissionRejectsBadInput(t *testing.T) {
	if _, ok := ParseSubmission("", 4); ok {
		t.Errorf("ParseSubmission(empty) = ok, want rejected")
	}
	if _, ok := ParseSubmission("012", 4); ok {
		t.Errorf("ParseSubmission(wrong length) = ok, want rejected")
	}
	if _, ok := ParseSubmission("0123012301230123", 4); ok {
		t.Errorf("ParseSubmission(invalid char '3') = ok, want rejected")
	}
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1000, 0)
	issued, err := Issue("1.2.3.0/24", "chrome", "challenge-secret", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	submission := GridToTritString(issued.Puzzle.TestOutput)
	exp := envelope.Expectation{
		FlowId: envelope.FlowChallenge, StepId: envelope.StepChallengeVerify,
		IPBucket: "1.2.3.0/24", UABucket: "chrome", PathClass: "challenge",
	}
	replay := envelope.NewKVReplayMarker(kv.NewMemoryStore())
	used := NewUsedMarker(kv.NewMemoryStore())

	result := Verify(context.Background(), issued.SeedToken, submission, "challenge-secret", exp, replay, used, now.Add(5*time.Second))
	if !result.OK {
		t.Fatalf("Verify = %+v, want OK", result)
	}
}

func TestVerifyRejectsWrongSubmission(t *testing.T) {
	now := time.Unix(1000, 0)
	issued, err := Issue("1.2.3.0/24", "chrome", "challenge-secret", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	exp := envelope.Expectation{
		FlowId: envelope.FlowChallenge, StepId: envelope.StepChallengeVerify,
		IPBucket: "1.2.3.0/24", UABucket: "chrome", PathClass: "challenge",
	}
	replay := envelope.NewKVReplayMarker(kv.NewMemoryStore())
	used := NewUsedMarker(kv.NewMemoryStore())

	wrong := "0000000000000000"
	result := Verify(context.Background(), issued.SeedToken, wrong, "challenge-secret", exp, replay, used, now.Add(5*time.Second))
	if result.OK {
		t.Errorf("Verify(wrong submission) = OK, want rejected")
	}
}

func TestVerifyBurnsSeedOnWrongSubmissionSoRetrySucceedsNever(t *testing.T) {
	now := time.Unix(1000, 0)
	issued, err := Issue("1.2.3.0/24", "chrome", "challenge-secret", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	exp := envelope.Expectation{
		FlowId: envelope.FlowChallenge, StepId: envelope.StepChallengeVerify,
		IPBucket: "1.2.3.0/24", UABucket: "chrome", PathClass: "challenge",
	}
	used := NewUsedMarker(kv.NewMemoryStore())

	// Each call gets its own replay marker store so envelope-level replay
	// protection can't be the thing that blocks the retry: only
	// usedMarker, shared across both calls, should do that.
	wrong := "0000000000000000"
	first := Verify(context.Background(), issued.SeedToken, wrong, "challenge-secret", exp, envelope.NewKVReplayMarker(kv.NewMemoryStore()), used, now.Add(5*time.Second))
	if first.OK {
		t.Fatalf("Verify(wrong submission) = OK, want rejected")
	}

	correct := GridToTritString(issued.Puzzle.TestOutput)
	second := Verify(context.Background(), issued.SeedToken, correct, "challenge-secret", exp, envelope.NewKVReplayMarker(kv.NewMemoryStore()), used, now.Add(5*time.Second))
	if second.OK {
		t.Errorf("Verify(correct submission after seed burned) = OK, want rejected")
	}
}
