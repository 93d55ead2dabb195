// Package observability wires the decision pipeline to durable metrics and
// an append-only event log. It is the real implementation behind
// pipeline.EventRecorder; the pipeline package itself only knows the
// interface.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the pipeline feeds. Family names
// and label shapes mirror the counters recorded by the original bot-defence
// metrics module, trimmed to what the pipeline actually emits.
type Metrics struct {
	Requests    prometheus.Counter
	PolicyMatch *prometheus.CounterVec
	Bans        *prometheus.CounterVec
	Challenges  *prometheus.CounterVec
	MazeHits    prometheus.Counter
	MazeTokens  *prometheus.CounterVec
	CDPReports  *prometheus.CounterVec

	ActiveBans     prometheus.Gauge
	TestModeActive prometheus.Gauge
}

// NewMetrics registers every collector against reg and returns the handles
// the recorder needs. Passing prometheus.NewRegistry() keeps tests isolated
// from the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_defence_requests_total",
			Help: "Total requests seen by the decision pipeline.",
		}),
		PolicyMatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_defence_policy_matches_total",
			Help: "Policy resolutions by escalation level, action, and detection.",
		}, []string{"level", "action", "detection"}),
		Bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_defence_bans_total",
			Help: "Bans issued, labeled by reason.",
		}, []string{"reason"}),
		Challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_defence_challenges_total",
			Help: "Interactive challenge outcomes.",
		}, []string{"outcome"}),
		MazeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_defence_maze_hits_total",
			Help: "Requests routed into the maze tarpit.",
		}),
		MazeTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_defence_maze_token_outcomes_total",
			Help: "Maze token verification outcomes.",
		}, []string{"outcome"}),
		CDPReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_defence_cdp_detections_total",
			Help: "CDP automation reports, labeled by confidence band.",
		}, []string{"band"}),
		ActiveBans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_defence_active_bans",
			Help: "Number of currently active bans across all sites.",
		}),
		TestModeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_defence_test_mode_enabled",
			Help: "1 if the last-seen site config had test_mode on, else 0.",
		}),
	}

	reg.MustRegister(
		m.Requests, m.PolicyMatch, m.Bans, m.Challenges,
		m.MazeHits, m.MazeTokens, m.CDPReports,
		m.ActiveBans, m.TestModeActive,
	)
	return m
}
