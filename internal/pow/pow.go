// Package pow implements the lightweight SHA-256 proof-of-work challenge
// used to gate js_verified cookie issuance (C9): issue a signed seed,
// require a client-found nonce whose hash has enough leading zero bits.
package pow

import (
	"crypto/sha256"
	"fmt"
	"time"

	"shuma/internal/envelope"
	"shuma/internal/signals"
	"shuma/internal/siteconfig"
)

const (
	MaxVerifyBodyBytes = 2048
	maxSeedLen         = 128
	maxNonceLen        = 64
)

// Seed is the response body for GET /pow.
type Seed struct {
	Seed      string `json:"seed"`
	Difficulty int   `json:"difficulty"`
	ExpiresAt int64  `json:"expires_at"`
}

// VerifyRequest is the POST /pow/verify body.
type VerifyRequest struct {
	Seed  string `json:"seed"`
	Nonce string `json:"nonce"`
}

// Issue builds a signed envelope carrying the configured difficulty and
// TTL, for flow FLOW_JS_VERIFICATION / step STEP_JS_POW_VERIFY.
func Issue(cfg siteconfig.Config, ipBucket, uaBucket string, powSecret string, now time.Time) (Seed, error) {
	issuedAt := now.Unix()
	expiresAt := issuedAt + int64(cfg.PoW.TTLSeconds)
	payload := envelope.Payload{
		SeedId:       envelope.NewOperationId(),
		OperationId:  envelope.NewOperationId(),
		FlowId:       envelope.FlowJSVerification,
		StepId:       envelope.StepJSPowVerify,
		StepIndex:    0,
		IPBucket:     ipBucket,
		UABucket:     uaBucket,
		PathClass:    "pow",
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		TokenVersion: envelope.TokenVersion,
		Extra:        map[string]any{"difficulty": cfg.PoW.Difficulty},
	}
	token, err := envelope.Sign(payload, powSecret)
	if err != nil {
		return Seed{}, fmt.Errorf("pow: issue: %w", err)
	}
	return Seed{Seed: token, Difficulty: cfg.PoW.Difficulty, ExpiresAt: expiresAt}, nil
}

// Reason is a stable, non-granular failure token returned to the client;
// it never reveals which of the seven envelope checks failed.
type Reason string

const (
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonInvalidSeed    Reason = "invalid_seed"
	ReasonInvalidProof   Reason = "invalid_proof"
)

// VerifyResult is the outcome of POST /pow/verify.
type VerifyResult struct {
	OK             bool
	Reason         Reason
	EnvelopeFailure envelope.Failure
	JSVerifiedCookie string
}

func syntacticallyValid(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	for _, r := range s {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

// Verify runs the full check: request shape, envelope verification, and
// the hash-prefix proof itself.
func Verify(req VerifyRequest, powSecret, jsSecret, ip string, exp envelope.Expectation, budget envelope.Budget, replay envelope.ReplayMarker, now time.Time) VerifyResult {
	if !syntacticallyValid(req.Seed, maxSeedLen) || !syntacticallyValid(req.Nonce, maxNonceLen) {
		return VerifyResult{OK: false, Reason: ReasonInvalidRequest}
	}

	payload, verr := envelope.Verify(req.Seed, powSecret, exp, budget, replay, nil, now)
	if verr != nil {
		return VerifyResult{OK: false, Reason: ReasonInvalidSeed, EnvelopeFailure: verr.Failure}
	}

	difficulty, _ := payload.Extra["difficulty"].(float64)
	if !hasLeadingZeroBits(sha256Hash(req.Seed, req.Nonce), int(difficulty)) {
		return VerifyResult{OK: false, Reason: ReasonInvalidProof}
	}

	return VerifyResult{OK: true, JSVerifiedCookie: signals.JSVerifiedToken(jsSecret, ip)}
}

func sha256Hash(seed, nonce string) [32]byte {
	return sha256.Sum256([]byte(seed + ":" + nonce))
}

// hasLeadingZeroBits reports whether hash's first n bits, read big-endian,
// are all zero.
func hasLeadingZeroBits(hash [32]byte, n int) bool {
	if n <= 0 {
		return true
	}
	fullBytes := n / 8
	remBits := n % 8
	for i := 0; i < fullBytes; i++ {
		if hash[i] != 0 {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	if fullBytes >= len(hash) {
		return false
	}
	mask := byte(0xff << (8 - remBits))
	return hash[fullBytes]&mask == 0
}
