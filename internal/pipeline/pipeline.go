// Package pipeline implements the fixed-order decision pipeline (C13): the
// single entry point every inbound request passes through before it ever
// reaches the site it defends. Each gate either produces a terminal
// response or falls through to the next.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shuma/internal/ban"
	"shuma/internal/botness"
	"shuma/internal/challenge"
	"shuma/internal/envelope"
	"shuma/internal/ipident"
	"shuma/internal/kv"
	"shuma/internal/maze"
	"shuma/internal/policy"
	"shuma/internal/pow"
	"shuma/internal/providers"
	"shuma/internal/ratelimit"
	"shuma/internal/signals"
	"shuma/internal/siteconfig"
	"shuma/internal/telemetry"
)

// EventRecorder is the narrow contract the pipeline records policy
// decisions through; internal/observability supplies the real
// implementation, tests supply a stub.
type EventRecorder interface {
	RecordMatch(ctx context.Context, site string, match policy.Match, testMode bool, hypothetical bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordMatch(context.Context, string, policy.Match, bool, bool) {}

// rateProvider is satisfied by both the internal Counter and the external
// RedisCounter, letting the pipeline stay agnostic to which one a site's
// provider backend selects.
type rateProvider interface {
	CheckAndIncrement(ctx context.Context, site, ipBucket string, limit int) (bool, error)
}

// usageProvider is the subset of rateProvider that can also report current
// usage; only the internal Counter supports it today, so the botness gate
// degrades gracefully when the active provider doesn't.
type usageProvider interface {
	CurrentUsage(ctx context.Context, site, ipBucket string) (int, error)
}

// Pipeline holds every collaborator the decision gates consult. It has no
// behavior of its own beyond ServeHTTP's fixed gate order.
type Pipeline struct {
	Store   kv.Store
	Configs *siteconfig.Cache
	Bans    *ban.Registry

	Rate      *ratelimit.Counter
	RateRedis *ratelimit.RedisCounter

	Maze *maze.Runtime

	JSSecret        string
	PowSecret       string
	MazeSecret      string
	ChallengeSecret string

	KVFailOpen bool
	Recorder   EventRecorder
	Telemetry  *telemetry.Provider
	Now        func() time.Time

	// Next is invoked for a clean allow; the caller's own reverse proxy or
	// final handler. A nil Next answers 200 "OK" directly, useful for
	// standalone defence-only deployments and for tests.
	Next http.Handler
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) recorder() EventRecorder {
	if p.Recorder != nil {
		return p.Recorder
	}
	return noopRecorder{}
}

func (p *Pipeline) tracer() *telemetry.Provider {
	if p.Telemetry != nil {
		return p.Telemetry
	}
	return telemetry.NoopProvider()
}

// statusRecorder captures the status code a gate's responder writes so the
// decision span can record it when the request finishes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func siteFor(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "default"
	}
	return host
}

// rateProviderFor selects the rate limiter backend a site's config binds
// to, falling back to the internal provider when an external one isn't
// wired (the safe-stub posture C15 requires).
func (p *Pipeline) rateProviderFor(cfg siteconfig.Config) rateProvider {
	reg := providers.FromConfig(cfg)
	if reg.BackendFor(providers.CapRateLimiter) == siteconfig.BackendExternal && p.RateRedis != nil {
		return p.RateRedis
	}
	return p.Rate
}

// ServeHTTP runs the twelve-step decision pipeline in its fixed order; see
// §4.12. The first gate that produces a terminal response returns it.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	site := siteFor(r)
	ctx, span := p.tracer().StartDecisionSpan(r.Context(), site, r.Method, r.URL.Path)
	r = r.WithContext(ctx)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec
	defer func() { p.tracer().EndDecisionSpan(span, rec.status, nil) }()

	// 1. IP extract & bucket (C2).
	ip := ipident.Extract(r)
	ipBucket := ipident.Bucket(ip)
	uaBucket := r.UserAgent()

	// 2. Config load (C3).
	cfg, ok := p.loadConfig(ctx, w, site)
	if !ok {
		return
	}

	// 3. Whitelist gate.
	if signals.WhitelistMatch(cfg, ip, r.URL.Path) {
		p.terminal(ctx, w, cfg, site, policy.TransitionAllowClean, p.allow(r))
		return
	}

	// 4. Ban gate.
	if p.Bans.IsBanned(ctx, site, ip) {
		p.terminal(ctx, w, cfg, site, policy.TransitionExistingBan, blockResponder(http.StatusForbidden, "banned"))
		return
	}

	// 5. Honeypot gate.
	if signals.HoneypotMatch(cfg, r.URL.Path) {
		p.banAndBlock(ctx, w, cfg, site, ip, "honeypot", "honeypot", cfg.BanDurations.Honeypot, policy.TransitionHoneypotHit, http.StatusForbidden)
		return
	}

	// 6. Outdated browser gate.
	if _, matched := signals.OutdatedBrowserMatch(cfg, r.UserAgent()); matched {
		p.banAndBlock(ctx, w, cfg, site, ip, "browser", "outdated_browser", cfg.BanDurations.Browser, policy.TransitionBrowserOutdated, http.StatusForbidden)
		return
	}

	// 7. Rate gate.
	if cfg.DefenceModes.Rate != siteconfig.CompositionOff {
		allowed, err := p.rateProviderFor(cfg).CheckAndIncrement(ctx, site, ipBucket, cfg.RateLimit)
		if err != nil {
			if !p.handleOutage(w) {
				return
			}
		} else if !allowed {
			p.banAndBlock(ctx, w, cfg, site, ip, "rate", "rate_limit", cfg.BanDurations.RateLimit, policy.TransitionRateLimitHit, http.StatusTooManyRequests)
			return
		}
	}

	// 8. Geo routing.
	country := r.Header.Get("X-Geo-Country")
	geoRoute := signals.GeoRouteFor(cfg, country)
	switch geoRoute {
	case signals.GeoBlock:
		p.terminal(ctx, w, cfg, site, policy.TransitionGeoRouteBlock, blockResponder(http.StatusForbidden, "geo_block"))
		return
	case signals.GeoChallenge:
		p.terminal(ctx, w, cfg, site, policy.TransitionGeoRouteChallenge, redirectResponder("/challenge"))
		return
	case signals.GeoMaze:
		if providers.FromConfig(cfg).BackendFor(providers.CapMazeTarpit) == siteconfig.BackendExternal {
			p.terminal(ctx, w, cfg, site, policy.TransitionGeoRouteMazeFallbackChallenge, redirectResponder("/challenge"))
		} else {
			p.terminal(ctx, w, cfg, site, policy.TransitionGeoRouteMaze, redirectResponder("/maze/entry"))
		}
		return
	}

	// 9. Maze route.
	if strings.HasPrefix(r.URL.Path, "/maze/") || strings.HasPrefix(r.URL.Path, "/trap/") {
		p.handleMaze(ctx, w, r, cfg, site, ipBucket, uaBucket)
		return
	}

	// 10. Challenge/PoW/fingerprint endpoints.
	switch {
	case r.URL.Path == "/pow" && r.Method == http.MethodGet:
		p.handlePowIssue(w, cfg, ipBucket, uaBucket)
		return
	case r.URL.Path == "/pow/verify" && r.Method == http.MethodPost:
		p.handlePowVerify(w, r, ip, ipBucket, uaBucket)
		return
	case r.URL.Path == "/challenge" && r.Method == http.MethodGet:
		p.handleChallengeIssue(w, ipBucket, uaBucket)
		return
	case r.URL.Path == "/challenge" && r.Method == http.MethodPost:
		p.handleChallengeVerify(w, r, ipBucket, uaBucket)
		return
	case r.URL.Path == "/cdp-report" && r.Method == http.MethodPost:
		p.handleCDPReport(ctx, w, r, site, ipBucket)
		return
	}

	// 11. Botness gate.
	contributions, cdpBand := p.collectSignals(ctx, cfg, r, ip, site, ipBucket, geoRoute)
	if cdpBand == signals.CDPStrong {
		p.banAndBlock(ctx, w, cfg, site, ip, "cdp", "cdp_automation", cfg.BanDurations.CDP, policy.TransitionCdpAutoBan, http.StatusForbidden)
		return
	}
	assessment := botness.Score(contributions)
	var signalIds []policy.SignalId
	for _, c := range assessment.Contributions {
		if !c.Active || c.Availability != signals.Active {
			continue
		}
		if id, found := policy.SignalIdForBotnessKey(c.Key); found {
			signalIds = append(signalIds, id)
		}
	}

	// 12. Reconcile every independently-firing candidate (the aggregate
	// botness route and the standalone CDP report band can both apply to
	// the same request) and enforce whichever resolves to the most
	// restrictive level.
	candidates := []botnessCandidate{notABotCandidate(signalIds, p.allow(r))}
	switch cdpBand {
	case signals.CDPMedium:
		candidates = append(candidates, botnessCandidate{policy.TransitionCdpReportMedium, p.allow(r)})
	case signals.CDPLow:
		candidates = append(candidates, botnessCandidate{policy.TransitionCdpReportLow, p.allow(r)})
	}
	reg := providers.FromConfig(cfg)
	switch botness.RouteFor(cfg, assessment.Score) {
	case botness.RouteMaze:
		if reg.BackendFor(providers.CapMazeTarpit) == siteconfig.BackendExternal {
			candidates = append(candidates, botnessCandidate{policy.TransitionChallengeDisabledFallbackMaze(signalIds), redirectResponder("/challenge")})
		} else {
			candidates = append(candidates, botnessCandidate{policy.TransitionBotnessGateMaze(signalIds), redirectResponder("/maze/entry")})
		}
	case botness.RouteChallenge:
		if reg.BackendFor(providers.CapChallengeEngine) == siteconfig.BackendExternal {
			candidates = append(candidates, botnessCandidate{policy.TransitionChallengeDisabledFallbackBlock(signalIds), blockResponder(http.StatusForbidden, "challenge_unavailable")})
		} else {
			candidates = append(candidates, botnessCandidate{policy.TransitionBotnessGateChallenge(signalIds), redirectResponder("/challenge")})
		}
	}

	winner := resolveMostRestrictive(candidates)
	p.terminal(ctx, w, cfg, site, winner.transition, winner.respond)
}

// botnessCandidate pairs a transition the botness gate could resolve to
// with the response that enacts it.
type botnessCandidate struct {
	transition policy.Transition
	respond    func(http.ResponseWriter)
}

func notABotCandidate(signalIds []policy.SignalId, respond func(http.ResponseWriter)) botnessCandidate {
	if len(signalIds) > 0 {
		return botnessCandidate{policy.TransitionBotnessGateNotABot(signalIds), respond}
	}
	return botnessCandidate{policy.TransitionAllowClean, respond}
}

// resolveMostRestrictive picks the candidate whose resolved level is the
// most restrictive among all that currently apply (resolve_highest_level,
// §4.11).
func resolveMostRestrictive(candidates []botnessCandidate) botnessCandidate {
	levels := make([]policy.EscalationLevel, len(candidates))
	for i, c := range candidates {
		levels[i] = policy.Resolve(c.transition).Level
	}
	worst := policy.ResolveHighestLevel(levels)
	for i, l := range levels {
		if l == worst {
			return candidates[i]
		}
	}
	return candidates[0]
}

func (p *Pipeline) allow(r *http.Request) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if p.Next != nil {
			p.Next.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func blockResponder(status int, reasonClass string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, "denied: %s\n", reasonClass)
	}
}

func redirectResponder(target string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
	}
}

// terminal resolves transition to its canonical Match, records it, and
// either writes respond's real response or, in test_mode, a 200 that
// names the hypothetical action instead.
func (p *Pipeline) terminal(ctx context.Context, w http.ResponseWriter, cfg siteconfig.Config, site string, transition policy.Transition, respond func(http.ResponseWriter)) {
	match := policy.Resolve(transition)
	p.recorder().RecordMatch(ctx, site, match, cfg.TestMode, cfg.TestMode)
	p.tracer().RecordPolicyMatch(ctx, site, "", string(match.Level), string(match.Action), string(match.Detection), cfg.TestMode)
	if cfg.TestMode {
		writeTestModeResponse(w, match)
		return
	}
	respond(w)
}

func writeTestModeResponse(w http.ResponseWriter, match policy.Match) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"test_mode":    true,
		"would_action": match.Action,
		"level":        match.Level,
		"detection":    match.Detection,
	})
}

func (p *Pipeline) banAndBlock(ctx context.Context, w http.ResponseWriter, cfg siteconfig.Config, site, ip, banReason, reasonClass string, durationSecs int, transition policy.Transition, status int) {
	match := policy.Resolve(transition)
	p.recorder().RecordMatch(ctx, site, match, cfg.TestMode, cfg.TestMode)
	p.tracer().RecordPolicyMatch(ctx, site, ip, string(match.Level), string(match.Action), string(match.Detection), cfg.TestMode)
	if cfg.TestMode {
		writeTestModeResponse(w, match)
		return
	}
	if err := p.Bans.BanWithFingerprint(ctx, site, ip, banReason, int64(durationSecs), nil); err != nil {
		slog.Warn("pipeline: ban write failed", "site", site, "reason", banReason, "err", err)
	}
	blockResponder(status, reasonClass)(w)
}

// loadConfig loads the site's Config, applying the fail-open/fail-closed
// KV-outage policy and defaulting a genuinely unconfigured site rather
// than refusing to serve it.
func (p *Pipeline) loadConfig(ctx context.Context, w http.ResponseWriter, site string) (siteconfig.Config, bool) {
	cfg, err := p.Configs.LoadCached(ctx, p.Store, site)
	if err == nil {
		return cfg, true
	}
	var lerr *siteconfig.LoadError
	if !errors.As(err, &lerr) {
		http.Error(w, "config error", http.StatusInternalServerError)
		return siteconfig.Config{}, false
	}
	switch lerr.Kind {
	case siteconfig.ErrMissingConfig:
		return siteconfig.Default(), true
	case siteconfig.ErrStoreUnavailable:
		if p.KVFailOpen {
			w.Header().Set("X-KV-Status", "degraded")
			return siteconfig.Default(), true
		}
		http.Error(w, "config store unavailable", http.StatusInternalServerError)
		return siteconfig.Config{}, false
	default:
		http.Error(w, "invalid site configuration", http.StatusInternalServerError)
		return siteconfig.Config{}, false
	}
}

// handleOutage applies kv_store_fail_open to a mid-pipeline KV failure
// (one that isn't the config load itself). It returns whether the caller
// should continue the pipeline as if nothing failed.
func (p *Pipeline) handleOutage(w http.ResponseWriter) bool {
	if p.KVFailOpen {
		w.Header().Set("X-KV-Status", "degraded")
		return true
	}
	http.Error(w, "store unavailable", http.StatusInternalServerError)
	return false
}

func cdpKey(site, ipBucket string) string { return "cdp:" + site + ":" + ipBucket }

func (p *Pipeline) collectSignals(ctx context.Context, cfg siteconfig.Config, r *http.Request, ip, site, ipBucket string, geoRoute signals.GeoRoute) ([]signals.BotSignal, signals.CDPBand) {
	jsVerified := false
	if c, err := r.Cookie(signals.JSVerifiedCookieName); err == nil {
		jsVerified = signals.JSVerified(p.JSSecret, ip, c.Value)
	}

	usage := 0
	if up, ok := p.rateProviderFor(cfg).(usageProvider); ok {
		if n, err := up.CurrentUsage(ctx, site, ipBucket); err == nil {
			usage = n
		}
	}

	score := 0.0
	if raw, found, err := p.Store.Get(ctx, cdpKey(site, ipBucket)); err == nil && found {
		score, _ = strconv.ParseFloat(string(raw), 64)
	}
	band := signals.CDPBandFor(cfg, score)

	return []signals.BotSignal{
		botness.JSRequiredSignal(cfg, jsVerified),
		botness.GeoRiskSignal(cfg, geoRoute),
		botness.RatePressureSignal(cfg, usage),
		botness.CDPSignal(cfg, band),
	}, band
}

func (p *Pipeline) handleCDPReport(ctx context.Context, w http.ResponseWriter, r *http.Request, site, ipBucket string) {
	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2048)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Score < 0 {
		body.Score = 0
	}
	if body.Score > 1 {
		body.Score = 1
	}
	if err := p.Store.Set(ctx, cdpKey(site, ipBucket), []byte(strconv.FormatFloat(body.Score, 'f', -1, 64))); err != nil {
		if !p.handleOutage(w) {
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (p *Pipeline) powExpectation(ipBucket, uaBucket string) envelope.Expectation {
	return envelope.Expectation{
		FlowId:    envelope.FlowJSVerification,
		StepId:    envelope.StepJSPowVerify,
		StepIndex: 0,
		IPBucket:  ipBucket,
		UABucket:  uaBucket,
		PathClass: "pow",
	}
}

func (p *Pipeline) handlePowIssue(w http.ResponseWriter, cfg siteconfig.Config, ipBucket, uaBucket string) {
	seed, err := pow.Issue(cfg, ipBucket, uaBucket, p.PowSecret, p.now())
	if err != nil {
		http.Error(w, "pow: issue failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(seed)
}

func (p *Pipeline) handlePowVerify(w http.ResponseWriter, r *http.Request, ip, ipBucket, uaBucket string) {
	var req pow.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, pow.MaxVerifyBodyBytes)).Decode(&req); err != nil {
		http.Error(w, string(pow.ReasonInvalidRequest), http.StatusBadRequest)
		return
	}
	result := pow.Verify(req, p.PowSecret, p.JSSecret, ip, p.powExpectation(ipBucket, uaBucket), envelope.DefaultJSPowBudget, envelope.NewKVReplayMarker(p.Store), p.now())
	if !result.OK {
		http.Error(w, string(result.Reason), http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     signals.JSVerifiedCookieName,
		Value:    result.JSVerifiedCookie,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (p *Pipeline) handleChallengeIssue(w http.ResponseWriter, ipBucket, uaBucket string) {
	resp, err := challenge.Issue(ipBucket, uaBucket, p.ChallengeSecret, p.now())
	if err != nil {
		http.Error(w, "challenge: issue failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<!doctype html><html><body><form method=post action=/challenge>"+
		"<input type=hidden name=seed value=%q>"+
		"<p>training pairs: %d, grid: %dx%d</p>"+
		"<input name=output placeholder=%q><button>submit</button></form></body></html>",
		resp.SeedToken, resp.Seed.TrainingCount, resp.Seed.GridSize, resp.Seed.GridSize, "trit string")
}

func (p *Pipeline) challengeExpectation(ipBucket, uaBucket string) envelope.Expectation {
	return envelope.Expectation{
		FlowId:    envelope.FlowChallenge,
		StepId:    envelope.StepChallengeVerify,
		StepIndex: 0,
		IPBucket:  ipBucket,
		UABucket:  uaBucket,
		PathClass: "challenge",
	}
}

func (p *Pipeline) handleChallengeVerify(w http.ResponseWriter, r *http.Request, ipBucket, uaBucket string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	seed := r.FormValue("seed")
	output := r.FormValue("output")
	usedMarker := challenge.NewUsedMarker(p.Store)
	result := challenge.Verify(r.Context(), seed, output, p.ChallengeSecret, p.challengeExpectation(ipBucket, uaBucket), envelope.NewKVReplayMarker(p.Store), usedMarker, p.now())
	if !result.OK {
		http.Error(w, "incorrect", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (p *Pipeline) handleMaze(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg siteconfig.Config, site, ipBucket, uaBucket string) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/maze/checkpoint":
		p.handleMazeCheckpoint(ctx, w, r, cfg, ipBucket, uaBucket)
	case r.Method == http.MethodPost && r.URL.Path == "/maze/issue-links":
		p.handleMazeIssueLinks(ctx, w, r, cfg, ipBucket, uaBucket)
	default:
		p.handleMazeEntry(ctx, w, r, cfg, site, ipBucket, uaBucket)
	}
}

func (p *Pipeline) handleMazeEntry(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg siteconfig.Config, site, ipBucket, uaBucket string) {
	result, err := p.Maze.Serve(ctx, cfg, maze.ServeRequest{
		Site: site, Path: r.URL.Path, IPBucket: ipBucket, UABucket: uaBucket,
		RawToken: r.URL.Query().Get("mt"), MicroPowNonce: r.URL.Query().Get("mpn"), Now: p.now(),
	})
	if err != nil {
		if p.handleOutage(w) {
			p.allow(r)(w)
		}
		return
	}
	if result.Fallback == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(result.HTML))
		return
	}

	match := policy.Resolve(result.Fallback.Transition())
	p.recorder().RecordMatch(ctx, site, match, cfg.TestMode, cfg.TestMode)
	if cfg.TestMode {
		writeTestModeResponse(w, match)
		return
	}
	if !result.Enforced {
		// Logged but tolerated (instrument/advisory phase): don't block a
		// misrouted or stale client, just hand it a fresh entry.
		retry, rerr := p.Maze.Serve(ctx, cfg, maze.ServeRequest{Site: site, Path: r.URL.Path, IPBucket: ipBucket, UABucket: uaBucket, Now: p.now()})
		if rerr == nil && retry.Fallback == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(retry.HTML))
			return
		}
	}
	if match.Action == policy.ACostImposition {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "maze: resource budget exceeded", http.StatusServiceUnavailable)
		return
	}
	redirectResponder("/challenge")(w)
}

func (p *Pipeline) handleMazeCheckpoint(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg siteconfig.Config, ipBucket, uaBucket string) {
	var body struct {
		Token  string `json:"token"`
		FlowId string `json:"flow_id"`
		Depth  int    `json:"depth"`
		Reason string `json:"checkpoint_reason"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2048)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := p.Maze.HandleCheckpoint(ctx, cfg, body.Token, ipBucket, uaBucket, body.Depth, p.now()); err != nil {
		http.Error(w, "invalid checkpoint", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Pipeline) handleMazeIssueLinks(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg siteconfig.Config, ipBucket, uaBucket string) {
	var body struct {
		Seed          string `json:"seed"`
		SeedSignature string `json:"seed_signature"`
		ParentToken   string `json:"parent_token"`
		HiddenCount   int    `json:"hidden_count"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	tokens, err := p.Maze.HandleIssueLinks(ctx, cfg, maze.IssueLinksRequest{
		Seed: body.Seed, SeedSignature: body.SeedSignature, ParentToken: body.ParentToken,
		IPBucket: ipBucket, UABucket: uaBucket, HiddenCount: body.HiddenCount,
	}, 16, p.now())
	if err != nil {
		http.Error(w, "invalid expansion request", http.StatusBadRequest)
		return
	}
	links := make([]map[string]string, 0, len(tokens))
	for _, t := range tokens {
		links = append(links, map[string]string{"href": "/maze/next?mt=" + t})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"links": links})
}
