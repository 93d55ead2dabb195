package siteconfig

import (
	"context"
	"encoding/json"
	"testing"

	"shuma/internal/kv"
)

func TestClampIsIdempotent(t *testing.T) {
	c := Default()
	c.PoW.Difficulty = 99
	c.Thresholds.ChallengeRisk = -5
	once := Clamp(c)
	twice := Clamp(once)

	ob, _ := json.Marshal(once)
	tb, _ := json.Marshal(twice)
	if string(ob) != string(tb) {
		t.Errorf("Clamp is not idempotent: once=%s twice=%s", ob, tb)
	}
}

func TestClampBoundsRanges(t *testing.T) {
	c := Default()
	c.PoW.Difficulty = 1
	c.Thresholds.BotnessMaze = 99
	c.BotnessWeights.RateHigh = -3

	clamped := Clamp(c)
	if clamped.PoW.Difficulty < 12 || clamped.PoW.Difficulty > 20 {
		t.Errorf("PoW.Difficulty = %d, want [12,20]", clamped.PoW.Difficulty)
	}
	if clamped.Thresholds.BotnessMaze > 10 {
		t.Errorf("Thresholds.BotnessMaze = %d, want <=10", clamped.Thresholds.BotnessMaze)
	}
	if clamped.BotnessWeights.RateHigh < 0 {
		t.Errorf("BotnessWeights.RateHigh = %d, want >=0", clamped.BotnessWeights.RateHigh)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	store := kv.NewMemoryStore()
	_, err := Load(context.Background(), store, "default")
	le, ok := err.(*LoadError)
	if !ok || le.Kind != ErrMissingConfig {
		t.Fatalf("Load(missing) err = %v, want LoadError{MissingConfig}", err)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	store := kv.NewMemoryStore()
	store.Set(context.Background(), Key("default"), []byte("not json"))
	_, err := Load(context.Background(), store, "default")
	le, ok := err.(*LoadError)
	if !ok || le.Kind != ErrInvalidConfig {
		t.Fatalf("Load(invalid) err = %v, want LoadError{InvalidConfig}", err)
	}
}

func TestLoadClampsOnRead(t *testing.T) {
	store := kv.NewMemoryStore()
	raw, _ := json.Marshal(map[string]any{"rate_limit": -1})
	store.Set(context.Background(), Key("default"), raw)

	cfg, err := Load(context.Background(), store, "default")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit < 1 {
		t.Errorf("RateLimit = %d, want clamped >= 1", cfg.RateLimit)
	}
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	raw, _ := json.Marshal(Default())
	store.Set(ctx, Key("s"), raw)

	cache := NewCache()
	first, err := cache.LoadCached(ctx, store, "s")
	if err != nil {
		t.Fatalf("LoadCached: %v", err)
	}

	changed := first
	changed.RateLimit = first.RateLimit + 1
	raw2, _ := json.Marshal(changed)
	store.Set(ctx, Key("s"), raw2)

	cached, _ := cache.LoadCached(ctx, store, "s")
	if cached.RateLimit != first.RateLimit {
		t.Errorf("LoadCached returned fresh value before invalidate: got %d, want cached %d", cached.RateLimit, first.RateLimit)
	}

	cache.Invalidate("s")
	refreshed, _ := cache.LoadCached(ctx, store, "s")
	if refreshed.RateLimit != changed.RateLimit {
		t.Errorf("LoadCached after Invalidate = %d, want %d", refreshed.RateLimit, changed.RateLimit)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true}, {"0", false}, {"TRUE", true}, {"No", false}, {"on", true}, {"off", false},
	}
	for _, tt := range tests {
		got, err := ParseBool(tt.in, false)
		if err != nil || got != tt.want {
			t.Errorf("ParseBool(%q) = %v, %v, want %v, nil", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseBool("maybe", false); err == nil {
		t.Errorf("ParseBool(maybe) = nil error, want error")
	}
}
