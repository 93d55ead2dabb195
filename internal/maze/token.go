// Package maze implements the tarpit subsystem (C11): a linked structure
// that imposes super-linear cost on an automated crawler while a human who
// stumbles in can bail out cheaply.
package maze

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token is the signed traversal credential a visitor carries from node to
// node via the `mt` query parameter. Depth and PrevDigest chain one node's
// token to the next so a client cannot skip ahead or replay an ancestor.
// PathPrefix and PathDigest bind the token to the node it was issued for,
// so a token handed out for one path can't be replayed against another.
// EntropyNonce is picked once per flow at the root and carried unchanged
// through every child so rendered content drifts only with the minute
// window, never with per-request wall-clock jitter.
type Token struct {
	FlowId       string `json:"flow_id"`
	OperationId  string `json:"operation_id"`
	IPBucket     string `json:"ip_bucket"`
	UABucket     string `json:"ua_bucket"`
	Depth        int    `json:"depth"`
	BranchBudget int    `json:"branch_budget"`
	PrevDigest   string `json:"prev_digest"`
	PathPrefix   string `json:"path_prefix"`
	PathDigest   string `json:"path_digest"`
	EntropyNonce int64  `json:"entropy_nonce"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// pathPrefix returns the directory a path lives in, used as a coarse
// binding check alongside the exact pathDigest.
func pathPrefix(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// pathDigest fingerprints the exact path a token is bound to.
func pathDigest(path string) string {
	sum := sha256.Sum256([]byte(path))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// Sign serializes and HMAC-signs a token under the maze secret.
func Sign(t Token, secret string) (string, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("maze: marshal token: %w", err)
	}
	sig := hmacSign(body, secret)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func hmacSign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// TokenError names why a traversal token failed verification.
type TokenError string

const (
	TokenErrInvalid         TokenError = "invalid"
	TokenErrExpired         TokenError = "expired"
	TokenErrBindingMismatch TokenError = "binding_mismatch"
	TokenErrDepthExceeded   TokenError = "depth_exceeded"
)

// Verify parses, checks the signature, checks expiry, IP/UA binding, and
// path binding, and bounds depth against maxDepth. It does not check replay
// or chain membership; the caller does that against its state store since
// those checks require a round trip. path is the request path the token was
// presented on; pass "" to skip the path-binding check, for endpoints (the
// checkpoint and link-expansion handlers) that aren't rendering a specific
// node.
func Verify(raw, secret, ipBucket, uaBucket, path string, maxDepth int, now time.Time) (Token, TokenError, error) {
	var tok Token
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 {
		return tok, TokenErrInvalid, fmt.Errorf("malformed token")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tok, TokenErrInvalid, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tok, TokenErrInvalid, err
	}
	if !hmac.Equal(sig, hmacSign(body, secret)) {
		return tok, TokenErrInvalid, fmt.Errorf("signature mismatch")
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return tok, TokenErrInvalid, err
	}

	if now.Unix() > tok.ExpiresAt {
		return tok, TokenErrExpired, fmt.Errorf("expired")
	}
	if tok.IPBucket != ipBucket || tok.UABucket != uaBucket {
		return tok, TokenErrBindingMismatch, fmt.Errorf("binding mismatch")
	}
	if path != "" && (tok.PathPrefix != pathPrefix(path) || tok.PathDigest != pathDigest(path)) {
		return tok, TokenErrBindingMismatch, fmt.Errorf("path binding mismatch")
	}
	if tok.Depth > maxDepth {
		return tok, TokenErrDepthExceeded, fmt.Errorf("depth %d exceeds max %d", tok.Depth, maxDepth)
	}
	return tok, "", nil
}

// Digest returns the chain-marker key component for a token: a short,
// stable fingerprint of flow and operation.
func Digest(flowId, operationId string) string {
	sum := sha256.Sum256([]byte(flowId + ":" + operationId))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// IssueChild builds and signs the next depth's token, chained from parent
// via its digest and bound to path, the specific node this token will be
// presented against. EntropyNonce carries over unchanged from parent so
// content drift stays flow-stable.
func IssueChild(parent Token, path, secret string, ttl time.Duration, now time.Time) (string, Token, error) {
	child := Token{
		FlowId:       parent.FlowId,
		OperationId:  newOperationId(),
		IPBucket:     parent.IPBucket,
		UABucket:     parent.UABucket,
		Depth:        parent.Depth + 1,
		BranchBudget: parent.BranchBudget,
		PrevDigest:   Digest(parent.FlowId, parent.OperationId),
		PathPrefix:   pathPrefix(path),
		PathDigest:   pathDigest(path),
		EntropyNonce: parent.EntropyNonce,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
	}
	raw, err := Sign(child, secret)
	return raw, child, err
}

// IssueRoot builds and signs the depth-1 entry token for a fresh flow,
// bound to path and picking the flow's one EntropyNonce.
func IssueRoot(ipBucket, uaBucket, path string, branchBudget int, secret string, ttl time.Duration, now time.Time) (string, Token, error) {
	root := Token{
		FlowId:       newOperationId(),
		OperationId:  newOperationId(),
		IPBucket:     ipBucket,
		UABucket:     uaBucket,
		Depth:        1,
		BranchBudget: branchBudget,
		PrevDigest:   "",
		PathPrefix:   pathPrefix(path),
		PathDigest:   pathDigest(path),
		EntropyNonce: rand.Int63(),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
	}
	raw, err := Sign(root, secret)
	return raw, root, err
}

func newOperationId() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MicroPowDifficulty computes the leading-zero-bit requirement for a given
// depth, ramping from base as depth passes start, capped at 24.
func MicroPowDifficulty(base, start, depth int) int {
	if depth < start {
		return 0
	}
	d := base + (depth - start)
	if d > 24 {
		d = 24
	}
	return d
}

// VerifyMicroPow checks SHA256(rawToken || ":" || nonce) has the required
// number of leading zero bits.
func VerifyMicroPow(rawToken, nonce string, difficulty int) bool {
	sum := sha256.Sum256([]byte(rawToken + ":" + nonce))
	return hasLeadingZeroBits(sum, difficulty)
}

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

// SignExpansionSeed signs the bootstrap blob's seed under the maze secret,
// kept separate from token signatures so link-expansion requests can't be
// forged from a leaked traversal token alone.
func SignExpansionSeed(seed string, secret string) string {
	sig := hmacSign([]byte(seed), secret)
	return base64.RawURLEncoding.EncodeToString(sig)
}

func VerifyExpansionSeed(seed, sig, secret string) bool {
	decoded, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, hmacSign([]byte(seed), secret))
}
