package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"shuma/internal/kv"
	"shuma/internal/policy"
)

// eventLogPrefix namespaces the immutable per-event KV records. Keys are
// eventlog:v2:<hour>:<unix-nanos>-<nonce> so List by hour prefix gives a
// naturally time-ordered, appendable log without a central index.
const eventLogPrefix = "eventlog:v2:"

// LogEntry is one immutable record of a policy resolution.
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Site         string                 `json:"site"`
	Level        policy.EscalationLevel `json:"level"`
	Action       policy.Action          `json:"action"`
	Detection    policy.DetectionId     `json:"detection"`
	SignalIds    []policy.SignalId      `json:"signal_ids,omitempty"`
	TestMode     bool                   `json:"test_mode"`
	Hypothetical bool                   `json:"hypothetical"`
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func eventLogKey(t time.Time) (string, error) {
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("eventlog: generate nonce: %w", err)
	}
	return fmt.Sprintf("%s%s:%d-%s", eventLogPrefix, hourBucket(t), t.UnixNano(), hex.EncodeToString(nonce)), nil
}

// AppendEvent writes entry as a new, immutable KV record. Two calls never
// collide: the key embeds both a nanosecond timestamp and a random nonce.
func AppendEvent(ctx context.Context, store kv.Store, entry LogEntry) error {
	key, err := eventLogKey(entry.Timestamp)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("eventlog: marshal entry: %w", err)
	}
	return store.Set(ctx, key, raw)
}

// ListHour returns every entry logged during the UTC hour containing at,
// ordered by their encoded timestamp.
func ListHour(ctx context.Context, store kv.Store, at time.Time) ([]LogEntry, error) {
	prefix := eventLogPrefix + hourBucket(at) + ":"
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list %s: %w", prefix, err)
	}
	sort.Strings(keys)

	entries := make([]LogEntry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("eventlog: get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("eventlog: decode %s: %w", key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PurgeBefore deletes every hour-bucket strictly older than cutoff. Buckets
// are whole UTC hours, so this only ever drops entire hours at once.
func PurgeBefore(ctx context.Context, store kv.Store, cutoff time.Time) (int, error) {
	keys, err := store.List(ctx, eventLogPrefix)
	if err != nil {
		return 0, fmt.Errorf("eventlog: list for purge: %w", err)
	}
	cutoffBucket := hourBucket(cutoff)

	deleted := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, eventLogPrefix)
		hour, _, found := strings.Cut(rest, ":")
		if !found {
			continue
		}
		if _, err := strconv.Atoi(hour); err != nil {
			continue
		}
		if hour >= cutoffBucket {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("eventlog: delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}
