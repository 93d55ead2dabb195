// Package botness implements the weighted-sum bot-risk scorer (C7): it
// turns a set of collected signals into a single capped integer score
// plus the contribution trail needed for observability.
package botness

import (
	"shuma/internal/signals"
	"shuma/internal/siteconfig"
)

// Route is the scorer's routing recommendation derived from comparing the
// score against config's thresholds.
type Route string

const (
	RouteAllow     Route = "allow"
	RouteChallenge Route = "challenge"
	RouteMaze      Route = "maze"
)

// Assessment is the scorer's output: the capped score and every signal's
// contribution, active or not, for observability.
type Assessment struct {
	Score         int                  `json:"score"`
	Contributions []signals.BotSignal  `json:"contributions"`
}

const maxScore = 10

// Score sums the contribution of every active, available signal and caps
// it at maxScore.
func Score(contributions []signals.BotSignal) Assessment {
	total := 0
	for _, c := range contributions {
		if c.Active && c.Availability == signals.Active {
			total += c.Contribution
		}
	}
	if total > maxScore {
		total = maxScore
	}
	if total < 0 {
		total = 0
	}
	return Assessment{Score: total, Contributions: contributions}
}

// RouteFor compares score against config's thresholds (§4.6):
// score < challenge_risk_threshold -> allow
// challenge_risk_threshold <= score < botness_maze_threshold -> challenge
// score >= botness_maze_threshold -> maze
func RouteFor(cfg siteconfig.Config, score int) Route {
	switch {
	case score >= cfg.Thresholds.BotnessMaze:
		return RouteMaze
	case score >= cfg.Thresholds.ChallengeRisk:
		return RouteChallenge
	default:
		return RouteAllow
	}
}

// JSRequiredSignal builds the js_required contribution: active (and thus
// contributing) when the request carries no valid js_verified cookie.
func JSRequiredSignal(cfg siteconfig.Config, jsVerified bool) signals.BotSignal {
	if cfg.DefenceModes.JS == siteconfig.CompositionOff {
		return signals.BotSignal{Key: "js_required", Label: "JS verification missing", Availability: signals.Disabled}
	}
	return signals.BotSignal{
		Key:          "js_required",
		Label:        "JS verification missing",
		Active:       !jsVerified,
		Contribution: cfg.BotnessWeights.JSRequired,
		Availability: signals.Active,
	}
}

// GeoRiskSignal builds the geo_risk contribution for a request whose
// country fell into the config's risk list.
func GeoRiskSignal(cfg siteconfig.Config, route signals.GeoRoute) signals.BotSignal {
	if cfg.DefenceModes.Geo == siteconfig.CompositionOff {
		return signals.BotSignal{Key: "geo_risk", Label: "Geo risk list", Availability: signals.Disabled}
	}
	return signals.BotSignal{
		Key:          "geo_risk",
		Label:        "Geo risk list",
		Active:       route == signals.GeoRisk,
		Contribution: cfg.BotnessWeights.GeoRisk,
		Availability: signals.Active,
	}
}

// RatePressureSignal builds the rate_medium/rate_high contribution from
// the current window usage relative to the configured ceiling. When the
// ceiling is zero the signal cannot be computed and is marked
// Unavailable.
func RatePressureSignal(cfg siteconfig.Config, currentUsage int) signals.BotSignal {
	if cfg.DefenceModes.Rate == siteconfig.CompositionOff {
		return signals.BotSignal{Key: "rate_pressure", Label: "Rate pressure", Availability: signals.Disabled}
	}
	if cfg.RateLimit <= 0 {
		return signals.BotSignal{Key: "rate_pressure", Label: "Rate pressure", Availability: signals.Unavailable}
	}

	ratio := float64(currentUsage) / float64(cfg.RateLimit)
	switch {
	case ratio >= 0.9:
		return signals.BotSignal{Key: "rate_pressure", Label: "Rate pressure (high)", Active: true, Contribution: cfg.BotnessWeights.RateHigh, Availability: signals.Active}
	case ratio >= 0.5:
		return signals.BotSignal{Key: "rate_pressure", Label: "Rate pressure (medium)", Active: true, Contribution: cfg.BotnessWeights.RateMedium, Availability: signals.Active}
	default:
		return signals.BotSignal{Key: "rate_pressure", Label: "Rate pressure", Active: false, Availability: signals.Active}
	}
}

// CDPSignal folds a CDP automation band into a contribution: low bands
// don't contribute; medium contributes the medium-rate weight and strong
// the high-rate weight.
func CDPSignal(cfg siteconfig.Config, band signals.CDPBand) signals.BotSignal {
	active := band == signals.CDPMedium || band == signals.CDPStrong
	contribution := 0
	if band == signals.CDPStrong {
		contribution = cfg.BotnessWeights.RateHigh
	} else if band == signals.CDPMedium {
		contribution = cfg.BotnessWeights.RateMedium
	}
	return signals.BotSignal{
		Key:          "cdp_report",
		Label:        "CDP automation report",
		Active:       active,
		Contribution: contribution,
		Availability: signals.Active,
	}
}
