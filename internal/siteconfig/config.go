// Package siteconfig implements the per-site dynamic Config: the tunable
// snapshot the decision pipeline consults on every request, loaded from KV
// and cached in memory for a short TTL.
package siteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shuma/internal/kv"
)

// BanDurations holds ban lengths in seconds keyed by reason class.
type BanDurations struct {
	Honeypot  int `json:"honeypot"`
	RateLimit int `json:"rate_limit"`
	Browser   int `json:"browser"`
	Admin     int `json:"admin"`
	CDP       int `json:"cdp"`
}

// BrowserRule flags a browser as bot-like below a minimum version.
type BrowserRule struct {
	Name          string `json:"name"`
	MinVersion    int    `json:"min_version"`
}

// GeoLists partitions ISO country codes into routing buckets.
type GeoLists struct {
	Risk      []string `json:"risk"`
	Allow     []string `json:"allow"`
	Challenge []string `json:"challenge"`
	Maze      []string `json:"maze"`
	Block     []string `json:"block"`
}

// BotnessWeights are per-signal contributions to the botness score, each
// clamped to [0,10].
type BotnessWeights struct {
	JSRequired int `json:"js_required"`
	GeoRisk    int `json:"geo_risk"`
	RateMedium int `json:"rate_medium"`
	RateHigh   int `json:"rate_high"`
}

// Thresholds gate routing decisions off the botness score, each clamped to
// [1,10].
type Thresholds struct {
	ChallengeRisk int `json:"challenge_risk_threshold"`
	BotnessMaze   int `json:"botness_maze_threshold"`
}

// PoWParams controls JS proof-of-work issuance.
type PoWParams struct {
	Difficulty int `json:"difficulty"` // [12,20]
	TTLSeconds int `json:"ttl_seconds"` // [30,300]
}

// MazeParams controls the tarpit's cost curve and resource budgets.
type MazeParams struct {
	TokenTTLSeconds       int `json:"token_ttl_seconds"`
	MaxDepth              int `json:"max_depth"`
	BucketConcurrentBudget int `json:"bucket_concurrent_budget"`
	GlobalConcurrentBudget int `json:"global_concurrent_budget"`
	CheckpointEveryNodes   int `json:"checkpoint_every_nodes"`
	NoJSFallbackMaxDepth   int `json:"no_js_fallback_max_depth"`
	MicroPowDepthStart     int `json:"micro_pow_depth_start"`
	MicroPowBaseDifficulty int `json:"micro_pow_base_difficulty"`
	MaxResponseBytes       int `json:"max_response_bytes"`
	RolloutPhase           string `json:"rollout_phase"` // instrument|advisory|enforce
}

// CompositionMode is how a defence module composes with others.
type CompositionMode string

const (
	CompositionOff     CompositionMode = "off"
	CompositionSignal  CompositionMode = "signal"
	CompositionEnforce CompositionMode = "enforce"
	CompositionBoth    CompositionMode = "both"
)

// DefenceModes selects composability mode per module.
type DefenceModes struct {
	Rate CompositionMode `json:"rate"`
	Geo  CompositionMode `json:"geo"`
	JS   CompositionMode `json:"js"`
}

// EdgeIntegrationMode governs how authoritative this instance's decisions
// are treated by the surrounding edge.
type EdgeIntegrationMode string

const (
	EdgeOff           EdgeIntegrationMode = "off"
	EdgeAdvisory      EdgeIntegrationMode = "advisory"
	EdgeAuthoritative EdgeIntegrationMode = "authoritative"
)

// BackendKind selects a provider implementation for a capability.
type BackendKind string

const (
	BackendInternal BackendKind = "internal"
	BackendExternal BackendKind = "external"
)

// ProviderBackends selects internal/external per capability (C15).
type ProviderBackends struct {
	RateLimiter      BackendKind `json:"rate_limiter"`
	BanStore         BackendKind `json:"ban_store"`
	ChallengeEngine  BackendKind `json:"challenge_engine"`
	MazeTarpit       BackendKind `json:"maze_tarpit"`
	FingerprintSignal BackendKind `json:"fingerprint_signal"`
}

// Config is the per-site tunable snapshot, the central data entity of C3.
type Config struct {
	BanDurations     BanDurations     `json:"ban_durations"`
	RateLimit        int              `json:"rate_limit"`
	Honeypots        []string         `json:"honeypots"`
	PathWhitelist    []string         `json:"path_whitelist"`
	IPWhitelist      []string         `json:"ip_whitelist"`
	BrowserBlock     []BrowserRule    `json:"browser_block"`
	Geo              GeoLists         `json:"geo"`
	BotnessWeights   BotnessWeights   `json:"botness_weights"`
	Thresholds       Thresholds       `json:"thresholds"`
	PoW              PoWParams        `json:"pow"`
	Maze             MazeParams       `json:"maze"`
	DefenceModes     DefenceModes     `json:"defence_modes"`
	EdgeIntegration  EdgeIntegrationMode `json:"edge_integration"`
	Providers        ProviderBackends `json:"providers"`
	TestMode         bool             `json:"test_mode"`
	ContentSignal    string           `json:"content_signal"`
	CDPDetectionThreshold float64     `json:"cdp_detection_threshold"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Default returns the compiled-in default Config, already clamped.
func Default() Config {
	c := Config{
		BanDurations: BanDurations{
			Honeypot:  86400,
			RateLimit: 3600,
			Browser:   86400,
			Admin:     86400,
			CDP:       3600,
		},
		RateLimit:     120,
		BotnessWeights: BotnessWeights{JSRequired: 3, GeoRisk: 2, RateMedium: 2, RateHigh: 4},
		Thresholds:    Thresholds{ChallengeRisk: 4, BotnessMaze: 7},
		PoW:           PoWParams{Difficulty: 15, TTLSeconds: 120},
		Maze: MazeParams{
			TokenTTLSeconds:        60,
			MaxDepth:               12,
			BucketConcurrentBudget: 8,
			GlobalConcurrentBudget: 512,
			CheckpointEveryNodes:   3,
			NoJSFallbackMaxDepth:   1,
			MicroPowDepthStart:     5,
			MicroPowBaseDifficulty: 12,
			MaxResponseBytes:       65536,
			RolloutPhase:           "advisory",
		},
		DefenceModes:    DefenceModes{Rate: CompositionEnforce, Geo: CompositionEnforce, JS: CompositionSignal},
		EdgeIntegration: EdgeAdvisory,
		Providers: ProviderBackends{
			RateLimiter:       BackendInternal,
			BanStore:          BackendInternal,
			ChallengeEngine:   BackendInternal,
			MazeTarpit:        BackendInternal,
			FingerprintSignal: BackendInternal,
		},
		CDPDetectionThreshold: 0.5,
	}
	return Clamp(c)
}

// Clamp bounds every numeric field to its declared range, idempotently:
// Clamp(Clamp(c)) == Clamp(c).
func Clamp(c Config) Config {
	c.RateLimit = clampInt(c.RateLimit, 1, 100000)

	c.BotnessWeights.JSRequired = clampInt(c.BotnessWeights.JSRequired, 0, 10)
	c.BotnessWeights.GeoRisk = clampInt(c.BotnessWeights.GeoRisk, 0, 10)
	c.BotnessWeights.RateMedium = clampInt(c.BotnessWeights.RateMedium, 0, 10)
	c.BotnessWeights.RateHigh = clampInt(c.BotnessWeights.RateHigh, 0, 10)

	c.Thresholds.ChallengeRisk = clampInt(c.Thresholds.ChallengeRisk, 1, 10)
	c.Thresholds.BotnessMaze = clampInt(c.Thresholds.BotnessMaze, 1, 10)

	c.PoW.Difficulty = clampInt(c.PoW.Difficulty, 12, 20)
	c.PoW.TTLSeconds = clampInt(c.PoW.TTLSeconds, 30, 300)

	c.Maze.MaxDepth = clampInt(c.Maze.MaxDepth, 1, 64)
	c.Maze.BucketConcurrentBudget = clampInt(c.Maze.BucketConcurrentBudget, 1, 10000)
	c.Maze.GlobalConcurrentBudget = clampInt(c.Maze.GlobalConcurrentBudget, 1, 1000000)
	c.Maze.CheckpointEveryNodes = clampInt(c.Maze.CheckpointEveryNodes, 1, 64)
	c.Maze.NoJSFallbackMaxDepth = clampInt(c.Maze.NoJSFallbackMaxDepth, 0, c.Maze.MaxDepth)
	c.Maze.MicroPowDepthStart = clampInt(c.Maze.MicroPowDepthStart, 1, c.Maze.MaxDepth)
	c.Maze.MicroPowBaseDifficulty = clampInt(c.Maze.MicroPowBaseDifficulty, 1, 24)
	c.Maze.MaxResponseBytes = clampInt(c.Maze.MaxResponseBytes, 1024, 10*1024*1024)
	switch c.Maze.RolloutPhase {
	case "instrument", "advisory", "enforce":
	default:
		c.Maze.RolloutPhase = "advisory"
	}

	if c.CDPDetectionThreshold < 0 {
		c.CDPDetectionThreshold = 0
	}
	if c.CDPDetectionThreshold > 1 {
		c.CDPDetectionThreshold = 1
	}

	for _, m := range []*CompositionMode{&c.DefenceModes.Rate, &c.DefenceModes.Geo, &c.DefenceModes.JS} {
		switch *m {
		case CompositionOff, CompositionSignal, CompositionEnforce, CompositionBoth:
		default:
			*m = CompositionEnforce
		}
	}
	switch c.EdgeIntegration {
	case EdgeOff, EdgeAdvisory, EdgeAuthoritative:
	default:
		c.EdgeIntegration = EdgeAdvisory
	}
	for _, b := range []*BackendKind{
		&c.Providers.RateLimiter, &c.Providers.BanStore, &c.Providers.ChallengeEngine,
		&c.Providers.MazeTarpit, &c.Providers.FingerprintSignal,
	} {
		switch *b {
		case BackendInternal, BackendExternal:
		default:
			*b = BackendInternal
		}
	}

	return c
}

// ErrorKind is the closed set of failures the config loader can produce.
type ErrorKind string

const (
	ErrStoreUnavailable ErrorKind = "store_unavailable"
	ErrMissingConfig    ErrorKind = "missing_config"
	ErrInvalidConfig    ErrorKind = "invalid_config"
)

// LoadError wraps an ErrorKind with its underlying cause, if any.
type LoadError struct {
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("siteconfig: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("siteconfig: %s", e.Kind)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Key returns the KV key a site's Config is stored under.
func Key(site string) string {
	return "config:" + site
}

// Load reads config:<site> from store, deserializes, and clamps. Missing
// keys and deserialization failures are distinct, closed error kinds.
func Load(ctx context.Context, store kv.Store, site string) (Config, error) {
	raw, ok, err := store.Get(ctx, Key(site))
	if err != nil {
		return Config{}, &LoadError{Kind: ErrStoreUnavailable, Err: err}
	}
	if !ok {
		return Config{}, &LoadError{Kind: ErrMissingConfig}
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &LoadError{Kind: ErrInvalidConfig, Err: err}
	}
	return Clamp(cfg), nil
}

// cacheTTL is the runtime-cache lifetime for a loaded snapshot (C3: "≤ 2s").
const cacheTTL = 2 * time.Second

type cacheEntry struct {
	cfg     Config
	loadedAt time.Time
}

// Cache memoizes Config snapshots per site for cacheTTL, invalidated
// explicitly by the admin collaborator after a successful write.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache returns an empty runtime cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// LoadCached returns the cached Config for site if fresh, otherwise loads,
// caches, and returns a new snapshot.
func (c *Cache) LoadCached(ctx context.Context, store kv.Store, site string) (Config, error) {
	c.mu.Lock()
	if e, ok := c.entries[site]; ok && time.Since(e.loadedAt) < cacheTTL {
		cfg := e.cfg
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	cfg, err := Load(ctx, store, site)
	if err != nil {
		return Config{}, err
	}

	c.mu.Lock()
	c.entries[site] = cacheEntry{cfg: cfg, loadedAt: time.Now()}
	c.mu.Unlock()
	return cfg, nil
}

// Invalidate drops the cached snapshot for site, called by the admin
// collaborator after a successful config write.
func (c *Cache) Invalidate(site string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, site)
}
