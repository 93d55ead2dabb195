// Package ban implements the persistent per-IP ban registry: the record
// format, its index, and the sanitization applied to admin/operator-
// supplied text before it is persisted.
package ban

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"shuma/internal/kv"
)

const (
	maxBanReasonLen  = 64
	maxBanSummaryLen = 256
)

// Fingerprint is the optional bot-signal evidence attached to a ban.
type Fingerprint struct {
	Score   *int     `json:"score,omitempty"`
	Signals []string `json:"signals,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// Entry is a persisted ban record (C4's BanEntry).
type Entry struct {
	Reason      string       `json:"reason"`
	Expires     int64        `json:"expires"`
	BannedAt    int64        `json:"banned_at"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
}

func banKey(site, ip string) string   { return fmt.Sprintf("ban:%s:%s", site, ip) }
func indexKey(site string) string     { return "ban_index:" + site }

// Registry is the ban registry, backed by a kv.Store.
type Registry struct {
	store kv.Store
	now   func() time.Time
}

// New returns a Registry over store.
func New(store kv.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// sanitize strips control characters (keeping tab and newline) and
// truncates to maxLen runes, mirroring the teacher's text-scrubbing
// posture for any operator-facing free text before persistence.
func sanitize(s string, maxLen int) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxLen {
			break
		}
		if r == '\t' || r == '\n' || !unicode.IsControl(r) {
			b.WriteRune(r)
			n++
		}
	}
	return b.String()
}

// IsBanned reports whether ip is currently banned for site. Expired or
// corrupt records are lazily deleted and removed from the index; KV
// failures are logged and treated as "not banned" (fail-open at this
// layer; the pipeline's kv_store_fail_open setting governs the outer
// response).
func (r *Registry) IsBanned(ctx context.Context, site, ip string) bool {
	raw, ok, err := r.store.Get(ctx, banKey(site, ip))
	if err != nil {
		slog.Warn("ban: store read failed", "site", site, "err", err)
		return false
	}
	if !ok {
		return false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("ban: corrupt ban record, removing", "site", site, "err", err)
		r.removeEntry(ctx, site, ip)
		return false
	}

	if entry.Expires <= r.now().Unix() {
		r.removeEntry(ctx, site, ip)
		return false
	}
	return true
}

func (r *Registry) removeEntry(ctx context.Context, site, ip string) {
	if err := r.store.Delete(ctx, banKey(site, ip)); err != nil {
		slog.Warn("ban: delete failed", "site", site, "err", err)
	}
	r.removeFromIndex(ctx, site, ip)
}

// BanWithFingerprint creates or overwrites a ban record for ip, sanitizing
// reason and fingerprint summary, and adds ip to the site's index if
// absent.
func (r *Registry) BanWithFingerprint(ctx context.Context, site, ip, reason string, durationSecs int64, fp *Fingerprint) error {
	reason = sanitize(reason, maxBanReasonLen)
	if fp != nil {
		fp.Summary = sanitize(fp.Summary, maxBanSummaryLen)
	}

	now := r.now().Unix()
	entry := Entry{
		Reason:      reason,
		BannedAt:    now,
		Expires:     now + durationSecs,
		Fingerprint: fp,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ban: marshal entry: %w", err)
	}
	if err := r.store.Set(ctx, banKey(site, ip), raw); err != nil {
		return fmt.Errorf("ban: write entry: %w", err)
	}

	if err := r.addToIndex(ctx, site, ip); err != nil {
		slog.Warn("ban: index update failed", "site", site, "ip_present", true, "err", err)
	}
	return nil
}

// Unban removes ip's ban record and index entry for site.
func (r *Registry) Unban(ctx context.Context, site, ip string) error {
	if err := r.store.Delete(ctx, banKey(site, ip)); err != nil {
		return fmt.Errorf("ban: delete: %w", err)
	}
	r.removeFromIndex(ctx, site, ip)
	return nil
}

func (r *Registry) readIndex(ctx context.Context, site string) ([]string, error) {
	raw, ok, err := r.store.Get(ctx, indexKey(site))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ips []string
	if err := json.Unmarshal(raw, &ips); err != nil {
		return nil, nil
	}
	return ips, nil
}

func (r *Registry) writeIndex(ctx context.Context, site string, ips []string) error {
	raw, err := json.Marshal(ips)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, indexKey(site), raw)
}

func (r *Registry) addToIndex(ctx context.Context, site, ip string) error {
	ips, err := r.readIndex(ctx, site)
	if err != nil {
		return err
	}
	for _, existing := range ips {
		if existing == ip {
			return nil
		}
	}
	ips = append(ips, ip)
	return r.writeIndex(ctx, site, ips)
}

func (r *Registry) removeFromIndex(ctx context.Context, site, ip string) {
	ips, err := r.readIndex(ctx, site)
	if err != nil {
		return
	}
	out := ips[:0]
	for _, existing := range ips {
		if existing != ip {
			out = append(out, existing)
		}
	}
	if err := r.writeIndex(ctx, site, out); err != nil {
		slog.Warn("ban: index write failed", "site", site, "err", err)
	}
}

// ListActiveBans returns every non-expired ban for site, pruning
// expired/corrupt entries as it goes. If the index is empty it rebuilds it
// once by scanning ban:<site>: keys directly (the migration path for
// indexes created before this registry existed).
func (r *Registry) ListActiveBans(ctx context.Context, site string) (map[string]Entry, error) {
	ips, err := r.readIndex(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("ban: read index: %w", err)
	}
	if len(ips) == 0 {
		ips, err = r.rebuildIndexFromScan(ctx, site)
		if err != nil {
			return nil, err
		}
	}

	active := make(map[string]Entry)
	var kept []string
	for _, ip := range ips {
		raw, ok, err := r.store.Get(ctx, banKey(site, ip))
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Expires <= r.now().Unix() {
			r.store.Delete(ctx, banKey(site, ip))
			continue
		}
		active[ip] = entry
		kept = append(kept, ip)
	}
	if len(kept) != len(ips) {
		r.writeIndex(ctx, site, kept)
	}
	return active, nil
}

func (r *Registry) rebuildIndexFromScan(ctx context.Context, site string) ([]string, error) {
	prefix := fmt.Sprintf("ban:%s:", site)
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("ban: scan rebuild: %w", err)
	}
	ips := make([]string, 0, len(keys))
	for _, k := range keys {
		ips = append(ips, strings.TrimPrefix(k, prefix))
	}
	if len(ips) > 0 {
		if err := r.writeIndex(ctx, site, ips); err != nil {
			slog.Warn("ban: index rebuild write failed", "site", site, "err", err)
		}
	}
	return ips, nil
}
