package observability

import (
	"context"
	"log/slog"
	"time"

	"shuma/internal/kv"
	"shuma/internal/policy"
)

// History is the narrow contract Recorder mirrors appended entries into. It
// is satisfied by *SQLiteHistory; nil disables mirroring entirely.
type History interface {
	Record(ctx context.Context, entry LogEntry) error
}

// isBanAction reports whether action denies the request outright, which is
// the only action class the bans_total counter counts (the active-ban gauge
// is set separately, through SetActiveBans).
func isBanAction(action policy.Action) bool {
	return action == policy.ADenyTemp || action == policy.ADenyHard
}

// Recorder implements pipeline.EventRecorder: every terminal policy match
// the pipeline resolves is counted, logged, and (best-effort) mirrored.
type Recorder struct {
	Store   kv.Store
	Metrics *Metrics
	History History // optional

	// Now defaults to time.Now; tests substitute a fixed clock.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RecordMatch satisfies pipeline.EventRecorder. KV and history failures are
// logged and swallowed: a broken audit trail must never turn into a broken
// request.
func (r *Recorder) RecordMatch(ctx context.Context, site string, match policy.Match, testMode, hypothetical bool) {
	entry := LogEntry{
		Timestamp:    r.now(),
		Site:         site,
		Level:        match.Level,
		Action:       match.Action,
		Detection:    match.Detection,
		SignalIds:    match.SignalIds,
		TestMode:     testMode,
		Hypothetical: hypothetical,
	}

	if r.Metrics != nil {
		r.Metrics.Requests.Inc()
		r.Metrics.PolicyMatch.WithLabelValues(string(match.Level), string(match.Action), string(match.Detection)).Inc()
		if isBanAction(match.Action) && !hypothetical {
			r.Metrics.Bans.WithLabelValues(string(match.Detection)).Inc()
		}
		if testMode {
			r.Metrics.TestModeActive.Set(1)
		} else {
			r.Metrics.TestModeActive.Set(0)
		}
	}

	if r.Store != nil {
		if err := AppendEvent(ctx, r.Store, entry); err != nil {
			slog.Error("eventlog append failed", "site", site, "detection", entry.Detection, "error", err)
		}
	}

	if r.History != nil {
		if err := r.History.Record(ctx, entry); err != nil {
			slog.Warn("history mirror failed", "site", site, "detection", entry.Detection, "error", err)
		}
	}
}

// RecordChallengeOutcome, RecordMazeHit, RecordMazeTokenOutcome, and
// RecordCDPReport are narrow helpers the challenge and maze handlers call
// directly for outcomes that never produce a policy.Match (a solved
// challenge isn't itself a decision).
func (r *Recorder) RecordChallengeOutcome(outcome string) {
	if r.Metrics != nil {
		r.Metrics.Challenges.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) RecordMazeHit() {
	if r.Metrics != nil {
		r.Metrics.MazeHits.Inc()
	}
}

func (r *Recorder) RecordMazeTokenOutcome(outcome string) {
	if r.Metrics != nil {
		r.Metrics.MazeTokens.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) RecordCDPReport(band string) {
	if r.Metrics != nil {
		r.Metrics.CDPReports.WithLabelValues(band).Inc()
	}
}

// SetActiveBans updates the active-ban gauge from an external count, since
// counting bans live is ban.Registry's job, not the recorder's.
func (r *Recorder) SetActiveBans(count int) {
	if r.Metrics != nil {
		r.Metrics.ActiveBans.Set(float64(count))
	}
}
