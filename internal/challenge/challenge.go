package challenge

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"shuma/internal/envelope"
	"shuma/internal/kv"
)

const (
	GridSize          = 4
	MinActiveCells    = 5
	MaxActiveCells    = 7
	TrainingCount     = 2
	SeedTTLSeconds    = 300
)

// IssueResponse is what GET /challenge returns to the client: the signed
// seed token plus the rendering data needed to draw the puzzle.
type IssueResponse struct {
	SeedToken string
	Seed      Seed
	Puzzle    Puzzle
}

// Issue builds a fresh ChallengeSeed, materializes its puzzle, and signs
// the seed into a bearer token.
func Issue(ipBucket, uaBucket, secret string, now time.Time) (IssueResponse, error) {
	activeCells := MinActiveCells + rand.Intn(MaxActiveCells-MinActiveCells+1)
	transforms := SelectTransformPair(rand.New(rand.NewSource(rand.Int63())))
	seed := Seed{
		SeedId:        envelope.NewOperationId(),
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Unix() + SeedTTLSeconds,
		IPBucket:      ipBucket,
		GridSize:      GridSize,
		ActiveCells:   activeCells,
		Transforms:    transforms,
		TrainingCount: TrainingCount,
		PRNGSeed:      rand.Int63(),
	}
	puzzle := Build(seed)

	payload := envelope.Payload{
		SeedId:       seed.SeedId,
		OperationId:  envelope.NewOperationId(),
		FlowId:       envelope.FlowChallenge,
		StepId:       envelope.StepChallengeVerify,
		StepIndex:    0,
		IPBucket:     ipBucket,
		UABucket:     uaBucket,
		PathClass:    "challenge",
		IssuedAt:     seed.IssuedAt,
		ExpiresAt:    seed.ExpiresAt,
		TokenVersion: envelope.TokenVersion,
		Extra: map[string]any{
			"grid_size":      seed.GridSize,
			"active_cells":   seed.ActiveCells,
			"transforms":     seed.Transforms,
			"training_count": seed.TrainingCount,
			"seed":           strconv.FormatInt(seed.PRNGSeed, 10),
		},
	}
	token, err := envelope.Sign(payload, secret)
	if err != nil {
		return IssueResponse{}, fmt.Errorf("challenge: issue: %w", err)
	}
	return IssueResponse{SeedToken: token, Seed: seed, Puzzle: puzzle}, nil
}

// VerifyResult is the outcome of POST /challenge.
type VerifyResult struct {
	OK              bool
	EnvelopeFailure envelope.Failure
}

// Verify validates the envelope, rebuilds the puzzle from the recovered
// seed, and compares the submission's test output against the expected
// one. The seed is marked used on both a correct and an incorrect
// submission: single-attempt semantics mean a wrong guess burns the seed
// just as surely as a right one.
func Verify(ctx context.Context, seedToken, submission, secret string, exp envelope.Expectation, replay envelope.ReplayMarker, usedMarker *UsedMarker, now time.Time) VerifyResult {
	payload, verr := envelope.Verify(seedToken, secret, exp, envelope.DefaultChallengeBudget, replay, nil, now)
	if verr != nil {
		return VerifyResult{OK: false, EnvelopeFailure: verr.Failure}
	}

	if usedMarker != nil && usedMarker.Used(ctx, payload.SeedId) {
		return VerifyResult{OK: false}
	}

	gridSize, _ := payload.Extra["grid_size"].(float64)
	activeCells, _ := payload.Extra["active_cells"].(float64)
	trainingCount, _ := payload.Extra["training_count"].(float64)
	seedStr, _ := payload.Extra["seed"].(string)
	prngSeed, _ := strconv.ParseInt(seedStr, 10, 64)
	transforms := decodeTransforms(payload.Extra["transforms"])

	seed := Seed{
		GridSize:      int(gridSize),
		ActiveCells:   int(activeCells),
		Transforms:    transforms,
		TrainingCount: int(trainingCount),
		PRNGSeed:      prngSeed,
	}
	puzzle := Build(seed)
	expected := GridToTritString(puzzle.TestOutput)

	submitted, parseOK := ParseSubmission(submission, seed.GridSize)
	correct := parseOK && GridToTritString(submitted) == expected

	if usedMarker != nil {
		usedMarker.MarkUsed(ctx, payload.SeedId, payload.ExpiresAt)
	}
	if !correct {
		return VerifyResult{OK: false}
	}
	return VerifyResult{OK: true}
}

func decodeTransforms(raw any) []Transform {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Transform, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, Transform(s))
		}
	}
	return out
}

// UsedMarker records challenge_used:<seed_id> to stop a solved or attempted
// seed from being resubmitted even within its validity window.
type UsedMarker struct {
	store kv.Store
}

func NewUsedMarker(store kv.Store) *UsedMarker { return &UsedMarker{store: store} }

// MarkUsed records challenge_used:<seedId> holding expiresAt as an ASCII
// integer. The kv.Store contract has no native TTL, so replay exposure
// after expiry is bounded by the envelope's own expires_at rather than by
// key eviction here.
func (m *UsedMarker) MarkUsed(ctx context.Context, seedId string, expiresAt int64) {
	_ = m.store.Set(ctx, "challenge_used:"+seedId, []byte(strconv.FormatInt(expiresAt, 10)))
}

// Used reports whether seedId has already been submitted once, correctly
// or not.
func (m *UsedMarker) Used(ctx context.Context, seedId string) bool {
	_, found, err := m.store.Get(ctx, "challenge_used:"+seedId)
	return err == nil && found
}
