package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shuma/internal/ban"
	"shuma/internal/kv"
	"shuma/internal/maze"
	"shuma/internal/policy"
	"shuma/internal/ratelimit"
	"shuma/internal/siteconfig"
)

type capturingRecorder struct {
	matches []policy.Match
}

func (c *capturingRecorder) RecordMatch(_ context.Context, _ string, match policy.Match, _ bool, _ bool) {
	c.matches = append(c.matches, match)
}

func newTestPipeline(t *testing.T, configure func(*siteconfig.Config)) (*Pipeline, *kv.MemoryStore, *capturingRecorder) {
	t.Helper()
	store := kv.NewMemoryStore()
	cfg := siteconfig.Default()
	if configure != nil {
		configure(&cfg)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := store.Set(context.Background(), siteconfig.Key("default"), raw); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	recorder := &capturingRecorder{}
	now := time.Unix(1_700_000_000, 0)
	p := &Pipeline{
		Store:           store,
		Configs:         siteconfig.NewCache(),
		Bans:            ban.New(store),
		Rate:            ratelimit.New(store),
		Maze:            maze.NewRuntime(maze.NewState(store), "maze-secret"),
		JSSecret:        "js-secret",
		PowSecret:       "pow-secret",
		MazeSecret:      "maze-secret",
		ChallengeSecret: "challenge-secret",
		Recorder:        recorder,
		Now:             func() time.Time { return now },
	}
	return p, store, recorder
}

func doRequest(p *Pipeline, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	// An empty Host makes siteFor resolve to "default", the site the
	// config is seeded under.
	req.Host = ""
	req.RemoteAddr = "198.51.100.10:1234"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestHoneypotGateBansAndBlocks(t *testing.T) {
	p, store, recorder := newTestPipeline(t, func(c *siteconfig.Config) {
		c.Honeypots = []string{"/trap-me"}
	})

	rec := doRequest(p, http.MethodGet, "/trap-me")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	reg := ban.New(store)
	if !reg.IsBanned(context.Background(), "default", "198.51.100.10") {
		t.Errorf("IP should be banned after honeypot hit")
	}
	if len(recorder.matches) != 1 || recorder.matches[0].Detection != policy.DHoneypotHit {
		t.Errorf("matches = %+v, want one DHoneypotHit", recorder.matches)
	}
}

func TestWhitelistGateShortCircuitsAllow(t *testing.T) {
	p, _, recorder := newTestPipeline(t, func(c *siteconfig.Config) {
		c.Honeypots = []string{"/trap-me"}
		c.IPWhitelist = []string{"198.51.100.10"}
	})

	rec := doRequest(p, http.MethodGet, "/trap-me")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (whitelisted)", rec.Code)
	}
	if len(recorder.matches) != 1 || recorder.matches[0].Level != policy.L0AllowClean {
		t.Errorf("matches = %+v, want one AllowClean", recorder.matches)
	}
}

func TestRateGateBansAtLimitPlusOne(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *siteconfig.Config) {
		c.RateLimit = 3
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = doRequest(p, http.MethodGet, "/")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", last.Code)
	}
}

func TestExistingBanBlocksImmediately(t *testing.T) {
	p, store, _ := newTestPipeline(t, nil)
	reg := ban.New(store)
	if err := reg.BanWithFingerprint(context.Background(), "default", "198.51.100.10", "manual", 3600, nil); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	rec := doRequest(p, http.MethodGet, "/")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGeoBlockRouteIsTerminal(t *testing.T) {
	p, _, recorder := newTestPipeline(t, func(c *siteconfig.Config) {
		c.Geo.Block = []string{"XX"}
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Geo-Country", "xx")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(recorder.matches) != 1 || recorder.matches[0].Detection != policy.DGeoRouteBlock {
		t.Errorf("matches = %+v, want one DGeoRouteBlock", recorder.matches)
	}
}

func TestPowIssueEndpointSetsNoStore(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	rec := doRequest(p, http.MethodGet, "/pow")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /pow status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("missing Cache-Control: no-store")
	}
}

func TestTestModeReturnsHypotheticalInsteadOfBan(t *testing.T) {
	p, store, recorder := newTestPipeline(t, func(c *siteconfig.Config) {
		c.Honeypots = []string{"/trap-me"}
		c.TestMode = true
	})

	rec := doRequest(p, http.MethodGet, "/trap-me")
	if rec.Code != http.StatusOK {
		t.Fatalf("test_mode status = %d, want 200", rec.Code)
	}
	reg := ban.New(store)
	if reg.IsBanned(context.Background(), "default", "198.51.100.10") {
		t.Errorf("test_mode must not actually ban")
	}
	if len(recorder.matches) != 1 || recorder.matches[0].Detection != policy.DHoneypotHit {
		t.Errorf("matches = %+v, want recorded DHoneypotHit even in test_mode", recorder.matches)
	}
}

func TestKVOutageFailsClosedByDefault(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	p.Store = failingStore{}
	p.Configs = siteconfig.NewCache()
	p.KVFailOpen = false

	rec := doRequest(p, http.MethodGet, "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 on fail-closed KV outage", rec.Code)
	}
}

func TestKVOutageFailsOpenWhenConfigured(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	p.Store = failingStore{}
	p.Configs = siteconfig.NewCache()
	p.KVFailOpen = true

	rec := doRequest(p, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 on fail-open KV outage", rec.Code)
	}
	if rec.Header().Get("X-KV-Status") != "degraded" {
		t.Errorf("missing X-KV-Status: degraded header")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errFailingStore
}
func (failingStore) Set(context.Context, string, []byte) error { return errFailingStore }
func (failingStore) Delete(context.Context, string) error      { return errFailingStore }
func (failingStore) List(context.Context, string) ([]string, error) {
	return nil, errFailingStore
}

var errFailingStore = &storeError{"simulated store outage"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
