package botness

import (
	"testing"

	"shuma/internal/signals"
	"shuma/internal/siteconfig"
)

func TestScoreCapsAtMax(t *testing.T) {
	contributions := []signals.BotSignal{
		{Active: true, Contribution: 6, Availability: signals.Active},
		{Active: true, Contribution: 6, Availability: signals.Active},
	}
	got := Score(contributions)
	if got.Score != maxScore {
		t.Errorf("Score = %d, want capped at %d", got.Score, maxScore)
	}
}

func TestScoreIgnoresInactiveAndDisabled(t *testing.T) {
	contributions := []signals.BotSignal{
		{Active: false, Contribution: 5, Availability: signals.Active},
		{Active: true, Contribution: 5, Availability: signals.Disabled},
		{Active: true, Contribution: 3, Availability: signals.Active},
	}
	got := Score(contributions)
	if got.Score != 3 {
		t.Errorf("Score = %d, want 3", got.Score)
	}
}

func TestRouteForThresholds(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.Thresholds.ChallengeRisk = 4
	cfg.Thresholds.BotnessMaze = 7

	tests := []struct {
		score int
		want  Route
	}{
		{0, RouteAllow}, {3, RouteAllow}, {4, RouteChallenge}, {6, RouteChallenge}, {7, RouteMaze}, {10, RouteMaze},
	}
	for _, tt := range tests {
		if got := RouteFor(cfg, tt.score); got != tt.want {
			t.Errorf("RouteFor(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestRatePressureSignalUnavailableAtZeroLimit(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.RateLimit = 0
	sig := RatePressureSignal(cfg, 5)
	if sig.Availability != signals.Unavailable {
		t.Errorf("Availability = %v, want Unavailable", sig.Availability)
	}
}

func TestJSRequiredSignalDisabledWhenModeOff(t *testing.T) {
	cfg := siteconfig.Default()
	cfg.DefenceModes.JS = siteconfig.CompositionOff
	sig := JSRequiredSignal(cfg, false)
	if sig.Availability != signals.Disabled {
		t.Errorf("Availability = %v, want Disabled", sig.Availability)
	}
}
