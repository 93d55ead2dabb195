package maze

import (
	"context"
	"fmt"
	"time"

	"shuma/internal/policy"
	"shuma/internal/siteconfig"
)

// FallbackReason names why a traversal step could not proceed normally;
// each maps 1:1 to a policy.Transition.
type FallbackReason string

const (
	FallbackTokenInvalid         FallbackReason = "token_invalid"
	FallbackTokenExpired         FallbackReason = "token_expired"
	FallbackTokenReplay          FallbackReason = "token_replay"
	FallbackTokenBindingMismatch FallbackReason = "token_binding_mismatch"
	FallbackTokenDepthExceeded   FallbackReason = "token_depth_exceeded"
	FallbackBudgetExceeded       FallbackReason = "budget_exceeded"
	FallbackCheckpointMissing    FallbackReason = "checkpoint_missing"
	FallbackMicroPowFailed       FallbackReason = "micro_pow_failed"
)

func (r FallbackReason) Transition() policy.Transition {
	switch r {
	case FallbackTokenInvalid:
		return policy.TransitionMazeTokenInvalid
	case FallbackTokenExpired:
		return policy.TransitionMazeTokenExpired
	case FallbackTokenReplay:
		return policy.TransitionMazeTokenReplay
	case FallbackTokenBindingMismatch:
		return policy.TransitionMazeTokenBindingMismatch
	case FallbackTokenDepthExceeded:
		return policy.TransitionMazeDepthExceeded
	case FallbackBudgetExceeded:
		return policy.TransitionMazeBudgetExceeded
	case FallbackCheckpointMissing:
		return policy.TransitionMazeCheckpointMissing
	case FallbackMicroPowFailed:
		return policy.TransitionMazeMicroPowFailed
	default:
		return policy.TransitionMazeTokenInvalid
	}
}

// mazeNextPath is the fixed path the POST /maze/issue-links response
// points every freshly expanded child link at; see pipeline.handleMazeIssueLinks.
const mazeNextPath = "/maze/next"

// RolloutPhase gates whether a violation short-circuits the request to its
// fallback or merely gets logged for later analysis.
type RolloutPhase string

const (
	PhaseInstrument RolloutPhase = "instrument"
	PhaseAdvisory   RolloutPhase = "advisory"
	PhaseEnforce    RolloutPhase = "enforce"
)

func rolloutPhaseFrom(s string) RolloutPhase {
	switch s {
	case "instrument":
		return PhaseInstrument
	case "enforce":
		return PhaseEnforce
	default:
		return PhaseAdvisory
	}
}

// ServeRequest is everything the runtime needs to evaluate one maze hit.
type ServeRequest struct {
	Site         string
	Path         string
	IPBucket     string
	UABucket     string
	RawToken     string // from the `mt` query parameter, empty on entry
	MicroPowNonce string // from the `mpn` query parameter, if present
	Now          time.Time
}

// ServeResult is what the caller (the HTTP handler) renders.
type ServeResult struct {
	HTML     string
	Fallback FallbackReason
	Enforced bool // false means the fallback was logged but not enforced (instrument/advisory phase)
}

// Runtime orchestrates one maze traversal step: token verification,
// checkpoint and micro-PoW gating, budget leasing, and page rendering.
type Runtime struct {
	state      *State
	mazeSecret string
}

func NewRuntime(state *State, mazeSecret string) *Runtime {
	return &Runtime{state: state, mazeSecret: mazeSecret}
}

// Serve implements the per-step protocol of §4.10.
func (rt *Runtime) Serve(ctx context.Context, cfg siteconfig.Config, req ServeRequest) (ServeResult, error) {
	phase := rolloutPhaseFrom(cfg.Maze.RolloutPhase)
	riskScore, err := rt.state.RiskScore(ctx, req.IPBucket)
	if err != nil {
		return ServeResult{}, fmt.Errorf("maze: read risk score: %w", err)
	}
	if riskScore >= MaxRiskScore {
		phase = PhaseEnforce
	}

	lease, ok, err := rt.state.AcquireLease(ctx, req.IPBucket, cfg.Maze.GlobalConcurrentBudget, cfg.Maze.BucketConcurrentBudget)
	if err != nil {
		return ServeResult{}, fmt.Errorf("maze: acquire lease: %w", err)
	}
	if !ok {
		return rt.fallback(ctx, phase, FallbackBudgetExceeded, req.IPBucket)
	}
	defer lease.Release(ctx)

	var parent Token
	if req.RawToken == "" {
		raw, root, signErr := IssueRoot(req.IPBucket, req.UABucket, req.Path, cfg.Maze.BucketConcurrentBudget, rt.mazeSecret, time.Duration(cfg.Maze.TokenTTLSeconds)*time.Second, req.Now)
		if signErr != nil {
			return ServeResult{}, fmt.Errorf("maze: issue root: %w", signErr)
		}
		parent = root
		_ = raw
	} else {
		tok, tokErr, verifyErr := Verify(req.RawToken, rt.mazeSecret, req.IPBucket, req.UABucket, req.Path, cfg.Maze.MaxDepth, req.Now)
		if verifyErr != nil {
			reason := mapTokenErr(tokErr)
			return rt.fallback(ctx, phase, reason, req.IPBucket)
		}

		chainExists, chainErr := rt.state.ChainMarkerExists(ctx, tok.FlowId, tok.PrevDigest)
		if tok.PrevDigest != "" {
			if chainErr != nil {
				return ServeResult{}, fmt.Errorf("maze: chain lookup: %w", chainErr)
			}
			if !chainExists {
				return rt.fallback(ctx, phase, FallbackTokenInvalid, req.IPBucket)
			}
		}

		fresh, seenErr := rt.state.MarkSeen(ctx, tok.FlowId, tok.OperationId)
		if seenErr != nil {
			return ServeResult{}, fmt.Errorf("maze: mark seen: %w", seenErr)
		}
		if !fresh {
			return rt.fallback(ctx, phase, FallbackTokenReplay, req.IPBucket)
		}

		if tok.Depth > cfg.Maze.CheckpointEveryNodes && tok.Depth > cfg.Maze.NoJSFallbackMaxDepth {
			hasCheckpoint, cpErr := rt.state.HasRecentCheckpoint(ctx, tok.FlowId, req.IPBucket, tok.Depth, cfg.Maze.CheckpointEveryNodes, int64(cfg.Maze.TokenTTLSeconds), req.Now)
			if cpErr != nil {
				return ServeResult{}, fmt.Errorf("maze: checkpoint lookup: %w", cpErr)
			}
			if !hasCheckpoint {
				return rt.fallback(ctx, phase, FallbackCheckpointMissing, req.IPBucket)
			}
		}

		if tok.Depth >= cfg.Maze.MicroPowDepthStart {
			difficulty := MicroPowDifficulty(cfg.Maze.MicroPowBaseDifficulty, cfg.Maze.MicroPowDepthStart, tok.Depth)
			if req.MicroPowNonce == "" || !VerifyMicroPow(req.RawToken, req.MicroPowNonce, difficulty) {
				return rt.fallback(ctx, phase, FallbackMicroPowFailed, req.IPBucket)
			}
		}

		if err := rt.state.AppendChainMarker(ctx, tok.FlowId, Digest(tok.FlowId, tok.OperationId)); err != nil {
			return ServeResult{}, fmt.Errorf("maze: append chain marker: %w", err)
		}
		parent = tok
	}

	tier := rt.tierFor(ctx, parent.Depth, req.IPBucket)
	visibleCount, hiddenCount := linkCounts(parent.Depth, parent.BranchBudget)

	opts, err := BuildPage(rt.mazeSecret, req.Site, req.IPBucket, req.UABucket, req.Path, parent.EntropyNonce, req.Now, tier, parent, visibleCount, hiddenCount, rt.mazeSecret, time.Duration(cfg.Maze.TokenTTLSeconds)*time.Second)
	if err != nil {
		return ServeResult{}, fmt.Errorf("maze: build page: %w", err)
	}
	opts.MaxResponseBytes = cfg.Maze.MaxResponseBytes
	html := Render(opts)

	return ServeResult{HTML: html}, nil
}

func (rt *Runtime) tierFor(ctx context.Context, depth int, ipBucket string) StyleTier {
	riskScore, _ := rt.state.RiskScore(ctx, ipBucket)
	violationCount, _ := readInt(ctx, rt.state.store, violationPrefix+ipBucket)
	return TierFor(depth, riskScore, violationCount >= HighConfidenceEscalationCount)
}

func linkCounts(depth, branchBudget int) (visible, hidden int) {
	visible = 2
	if branchBudget > 0 && branchBudget < visible {
		visible = branchBudget
	}
	hidden = branchBudget - visible
	if hidden < 0 {
		hidden = 0
	}
	return
}

func mapTokenErr(e TokenError) FallbackReason {
	switch e {
	case TokenErrExpired:
		return FallbackTokenExpired
	case TokenErrBindingMismatch:
		return FallbackTokenBindingMismatch
	case TokenErrDepthExceeded:
		return FallbackTokenDepthExceeded
	default:
		return FallbackTokenInvalid
	}
}

// fallback records a behavior-score violation (except for pure budget
// exhaustion, which is resource pressure rather than client misbehavior)
// and returns either an enforced rejection or a logged pass-through,
// depending on rollout phase. Budget exhaustion, and a violation that
// triggers escalation, are enforced in every phase.
func (rt *Runtime) fallback(ctx context.Context, phase RolloutPhase, reason FallbackReason, ipBucket string) (ServeResult, error) {
	enforced := phase == PhaseEnforce
	if reason != FallbackBudgetExceeded {
		_, escalate, err := rt.state.RecordViolation(ctx, ipBucket)
		if err != nil {
			return ServeResult{}, fmt.Errorf("maze: record violation: %w", err)
		}
		if escalate {
			enforced = true
		}
	} else {
		enforced = true
	}
	return ServeResult{Fallback: reason, Enforced: enforced}, nil
}

// HandleCheckpoint implements POST /maze/checkpoint: verify the token, then
// record progress for this flow/bucket.
func (rt *Runtime) HandleCheckpoint(ctx context.Context, cfg siteconfig.Config, rawToken, ipBucket, uaBucket string, depth int, now time.Time) error {
	tok, tokErr, err := Verify(rawToken, rt.mazeSecret, ipBucket, uaBucket, "", cfg.Maze.MaxDepth, now)
	if err != nil {
		return fmt.Errorf("maze: checkpoint token %s: %w", tokErr, err)
	}
	return rt.state.WriteCheckpoint(ctx, tok.FlowId, ipBucket, Checkpoint{
		LastTsMs:  now.UnixMilli(),
		LastDepth: depth,
		ExpiresAt: now.Unix() + int64(cfg.Maze.TokenTTLSeconds),
	})
}

// IssueLinksRequest is the POST /maze/issue-links body: a browser proving
// it holds the expansion seed signature and the parent token, asking for
// up to hiddenCount freshly signed child tokens.
type IssueLinksRequest struct {
	Seed          string
	SeedSignature string
	ParentToken   string
	IPBucket      string
	UABucket      string
	HiddenCount   int
}

// HandleIssueLinks verifies the expansion seed signature and the parent
// token, then issues up to min(hiddenCount, branch_budget, max_links)
// fresh child tokens.
func (rt *Runtime) HandleIssueLinks(ctx context.Context, cfg siteconfig.Config, req IssueLinksRequest, maxLinks int, now time.Time) ([]string, error) {
	if !VerifyExpansionSeed(req.Seed, req.SeedSignature, rt.mazeSecret) {
		return nil, fmt.Errorf("maze: invalid expansion seed signature")
	}
	parent, tokErr, err := Verify(req.ParentToken, rt.mazeSecret, req.IPBucket, req.UABucket, "", cfg.Maze.MaxDepth, now)
	if err != nil {
		return nil, fmt.Errorf("maze: issue-links parent token %s: %w", tokErr, err)
	}

	count := req.HiddenCount
	if parent.BranchBudget < count {
		count = parent.BranchBudget
	}
	if maxLinks < count {
		count = maxLinks
	}
	if count < 0 {
		count = 0
	}

	tokens := make([]string, 0, count)
	ttl := time.Duration(cfg.Maze.TokenTTLSeconds) * time.Second
	for i := 0; i < count; i++ {
		raw, _, err := IssueChild(parent, mazeNextPath, rt.mazeSecret, ttl, now)
		if err != nil {
			return nil, fmt.Errorf("maze: issue child link: %w", err)
		}
		tokens = append(tokens, raw)
	}
	return tokens, nil
}
