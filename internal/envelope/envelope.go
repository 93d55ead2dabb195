// Package envelope implements the signed, single-use per-step token (C8)
// that every PoW, challenge, and maze step uses to prove it is talking to
// the same flow it started, bound to the same client, in order.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const TokenVersion = 1

// Flow and step identifiers. Every verification call pins the flow/step it
// expects; a mismatch is a SeqOpInvalid failure.
const (
	FlowJSVerification = "FLOW_JS_VERIFICATION"
	FlowChallenge       = "FLOW_CHALLENGE"
	FlowMaze            = "FLOW_MAZE"

	StepJSPowVerify      = "STEP_JS_POW_VERIFY"
	StepChallengeIssue   = "STEP_CHALLENGE_ISSUE"
	StepChallengeVerify  = "STEP_CHALLENGE_VERIFY"
	StepMazeCheckpoint   = "STEP_MAZE_CHECKPOINT"
	StepMazeExpansion    = "STEP_MAZE_EXPANSION"
)

// Payload is the envelope's signed content. Purpose-specific fields travel
// in Extra, keyed by name, so one struct covers PoW/challenge/maze steps
// without a union type.
type Payload struct {
	SeedId      string            `json:"seed_id"`
	OperationId string            `json:"operation_id"`
	FlowId      string            `json:"flow_id"`
	StepId      string            `json:"step_id"`
	StepIndex   uint8             `json:"step_index"`
	IPBucket    string            `json:"ip_bucket"`
	UABucket    string            `json:"ua_bucket"`
	PathClass   string            `json:"path_class"`
	IssuedAt    int64             `json:"issued_at"`
	ExpiresAt   int64             `json:"expires_at"`
	TokenVersion uint8            `json:"token_version"`
	Extra       map[string]any    `json:"extra,omitempty"`
}

// Expectation pins the context the verifying endpoint requires of a
// presented token.
type Expectation struct {
	FlowId    string
	StepId    string
	StepIndex uint8
	IPBucket  string
	UABucket  string
	PathClass string
}

// Failure names which verification step rejected a token; it maps 1:1 onto
// a policy.Transition at the call site.
type Failure string

const (
	FailParse           Failure = "parse"
	FailSignature       Failure = "signature"
	FailFlowStep        Failure = "flow_step"
	FailExpired         Failure = "expired"
	FailWindowExceeded  Failure = "window_exceeded"
	FailBinding         Failure = "binding"
	FailOrderViolation  Failure = "order_violation"
	FailTimingTooFast   Failure = "timing_too_fast"
	FailTimingTooRegular Failure = "timing_too_regular"
	FailTimingTooSlow   Failure = "timing_too_slow"
	FailFlowAgeExceeded Failure = "flow_age_exceeded"
	FailReplay          Failure = "replay"
)

// VerifyError pairs a Failure with the underlying cause for logging.
type VerifyError struct {
	Failure Failure
	Err     error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: %s: %v", e.Failure, e.Err)
	}
	return fmt.Sprintf("envelope: %s", e.Failure)
}

func (e *VerifyError) Unwrap() error { return e.Err }

func fail(f Failure, err error) *VerifyError { return &VerifyError{Failure: f, Err: err} }

// NewOperationId generates the 128-bit random operation id carried by every
// envelope.
func NewOperationId() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Sign encodes payload as base64(json) + "." + base64(HMAC-SHA256(secret, json)).
func Sign(payload Payload, secret string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal payload: %w", err)
	}
	sig := signBytes(body, secret)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func signBytes(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Budget bounds the acceptable age and cadence of a flow's steps. Every
// endpoint that verifies an envelope supplies the budget appropriate to its
// flow.
type Budget struct {
	MaxStepWindowSeconds        int64
	MinStepLatencySeconds       int64
	MaxStepLatencySeconds       int64
	MaxFlowAgeSeconds           int64
	MaxOperationReplayTTLSeconds int64
	TimingRegularitySpreadSeconds int64
}

// DefaultJSPowBudget matches the original prototype's JS-verification
// window: generous enough for a real browser to solve a low-difficulty PoW,
// tight enough to bound replay exposure.
var DefaultJSPowBudget = Budget{
	MaxStepWindowSeconds:          120,
	MinStepLatencySeconds:         0,
	MaxStepLatencySeconds:         120,
	MaxFlowAgeSeconds:             300,
	MaxOperationReplayTTLSeconds:  300,
	TimingRegularitySpreadSeconds: 1,
}

// DefaultChallengeBudget is wider than the PoW budget since an interactive
// puzzle takes a human longer to solve.
var DefaultChallengeBudget = Budget{
	MaxStepWindowSeconds:          300,
	MinStepLatencySeconds:         1,
	MaxStepLatencySeconds:         300,
	MaxFlowAgeSeconds:             600,
	MaxOperationReplayTTLSeconds:  600,
	TimingRegularitySpreadSeconds: 2,
}

// DefaultMazeBudget governs checkpoint/expansion token verification inside
// a maze traversal.
var DefaultMazeBudget = Budget{
	MaxStepWindowSeconds:          60,
	MinStepLatencySeconds:         0,
	MaxStepLatencySeconds:         60,
	MaxFlowAgeSeconds:             1800,
	MaxOperationReplayTTLSeconds:  120,
	TimingRegularitySpreadSeconds: 1,
}

// ReplayMarker is implemented by the caller's KV-backed atomic-set, used in
// step 7 of verification.
type ReplayMarker interface {
	// SetIfAbsent atomically records key with the given TTL; returns false
	// if key already existed (the replay case).
	SetIfAbsent(key string, ttl time.Duration) (bool, error)
}

// History supplies a flow's prior submission timestamps for the
// too-regular-cadence check in step 6.
type History interface {
	// Timestamps returns prior submit times for flowId, oldest first.
	Timestamps(flowId string) []int64
	// FlowStartedAt returns when flowId began, for the max-flow-age check.
	FlowStartedAt(flowId string) (int64, bool)
}

// Verify runs the seven-step check and returns the parsed Payload on
// success.
func Verify(token string, secret string, exp Expectation, budget Budget, replay ReplayMarker, hist History, now time.Time) (Payload, *VerifyError) {
	var payload Payload

	// 1. Parse
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return payload, fail(FailParse, fmt.Errorf("malformed token"))
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return payload, fail(FailParse, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return payload, fail(FailParse, err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fail(FailParse, err)
	}

	// 2. Signature
	want := signBytes(body, secret)
	if !hmac.Equal(sig, want) {
		return payload, fail(FailSignature, fmt.Errorf("signature mismatch"))
	}

	// 3. Flow/Step
	if payload.FlowId != exp.FlowId || payload.StepId != exp.StepId {
		return payload, fail(FailFlowStep, fmt.Errorf("flow/step mismatch"))
	}
	if payload.StepIndex != exp.StepIndex {
		return payload, fail(FailOrderViolation, fmt.Errorf("step index mismatch: got %d want %d", payload.StepIndex, exp.StepIndex))
	}
	if payload.TokenVersion != TokenVersion {
		return payload, fail(FailFlowStep, fmt.Errorf("unsupported token version %d", payload.TokenVersion))
	}

	// 4. Expiry
	nowUnix := now.Unix()
	if nowUnix > payload.ExpiresAt {
		return payload, fail(FailExpired, fmt.Errorf("expired at %d, now %d", payload.ExpiresAt, nowUnix))
	}
	if payload.ExpiresAt-payload.IssuedAt > budget.MaxStepWindowSeconds {
		return payload, fail(FailWindowExceeded, fmt.Errorf("step window too wide"))
	}

	// 5. Binding
	if payload.IPBucket != exp.IPBucket || payload.UABucket != exp.UABucket || payload.PathClass != exp.PathClass {
		return payload, fail(FailBinding, fmt.Errorf("binding mismatch"))
	}

	// 6. Timing
	age := nowUnix - payload.IssuedAt
	if age < budget.MinStepLatencySeconds {
		return payload, fail(FailTimingTooFast, fmt.Errorf("submitted too fast: %ds", age))
	}
	if age > budget.MaxStepLatencySeconds {
		return payload, fail(FailTimingTooSlow, fmt.Errorf("submitted too slow: %ds", age))
	}
	if hist != nil {
		if spread := submissionSpread(hist.Timestamps(payload.FlowId)); spread >= 0 && spread < budget.TimingRegularitySpreadSeconds {
			return payload, fail(FailTimingTooRegular, fmt.Errorf("cadence too regular: spread %ds", spread))
		}
		if started, ok := hist.FlowStartedAt(payload.FlowId); ok && nowUnix-started > budget.MaxFlowAgeSeconds {
			return payload, fail(FailFlowAgeExceeded, fmt.Errorf("flow age exceeded"))
		}
	}

	// 7. Replay
	if replay != nil {
		ttl := time.Duration(payload.ExpiresAt-nowUnix) * time.Second
		if max := time.Duration(budget.MaxOperationReplayTTLSeconds) * time.Second; ttl > max {
			ttl = max
		}
		if ttl <= 0 {
			ttl = time.Second
		}
		fresh, err := replay.SetIfAbsent(replayKey(payload.FlowId, payload.OperationId), ttl)
		if err != nil {
			return payload, fail(FailReplay, err)
		}
		if !fresh {
			return payload, fail(FailReplay, fmt.Errorf("operation already used"))
		}
	}

	return payload, nil
}

func replayKey(flowId, operationId string) string {
	return "replay:" + flowId + ":" + operationId
}

// submissionSpread returns the difference between the most recent two
// timestamps, or -1 if there are fewer than two to compare.
func submissionSpread(timestamps []int64) int64 {
	if len(timestamps) < 2 {
		return -1
	}
	last := timestamps[len(timestamps)-1]
	prev := timestamps[len(timestamps)-2]
	d := last - prev
	if d < 0 {
		d = -d
	}
	return d
}
