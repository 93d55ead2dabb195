package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shuma/internal/policy"

	_ "modernc.org/sqlite"
)

// SQLiteHistory is a derived, rebuildable mirror of the KV event log: every
// entry appended via Recorder is also inserted here so the admin API can run
// range and aggregate queries SQL is good at and the KV store is not. It is
// never the source of truth; losing this database only costs query
// convenience, never data, since it can be rebuilt by rescanning the KV
// eventlog prefix with ListHour.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (creating if absent) a SQLite database at dbPath
// and ensures the events table exists.
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}

	h := &SQLiteHistory{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return h, nil
}

func (h *SQLiteHistory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		site TEXT NOT NULL,
		level TEXT NOT NULL,
		action TEXT NOT NULL,
		detection TEXT NOT NULL,
		signal_ids TEXT,
		test_mode INTEGER NOT NULL DEFAULT 0,
		hypothetical INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_site ON events(site);
	CREATE INDEX IF NOT EXISTS idx_events_detection ON events(detection);
	CREATE INDEX IF NOT EXISTS idx_events_level ON events(level);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// Record inserts entry as a row. Satisfies the History interface.
func (h *SQLiteHistory) Record(ctx context.Context, entry LogEntry) error {
	signalIds, err := json.Marshal(entry.SignalIds)
	if err != nil {
		return fmt.Errorf("history: marshal signal ids: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, site, level, action, detection, signal_ids, test_mode, hypothetical)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Site, string(entry.Level), string(entry.Action), string(entry.Detection),
		string(signalIds), entry.TestMode, entry.Hypothetical,
	)
	if err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// QueryOptions filters ListEvents the way the admin API's event browser
// needs: by site, by detection, by a time window, with pagination.
type QueryOptions struct {
	Site      string
	Detection string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// ListEvents returns rows matching opts, most recent first.
func (h *SQLiteHistory) ListEvents(opts QueryOptions) ([]LogEntry, error) {
	query := `
		SELECT timestamp, site, level, action, detection, signal_ids, test_mode, hypothetical
		FROM events WHERE 1=1`
	var args []interface{}

	if opts.Site != "" {
		query += " AND site = ?"
		args = append(args, opts.Site)
	}
	if opts.Detection != "" {
		query += " AND detection = ?"
		args = append(args, opts.Detection)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list events: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var level, action, detection, signalIds string
		if err := rows.Scan(&entry.Timestamp, &entry.Site, &level, &action, &detection, &signalIds, &entry.TestMode, &entry.Hypothetical); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		entry.Level = policy.EscalationLevel(level)
		entry.Action = policy.Action(action)
		entry.Detection = policy.DetectionId(detection)
		if signalIds != "" {
			if err := json.Unmarshal([]byte(signalIds), &entry.SignalIds); err != nil {
				return nil, fmt.Errorf("history: decode signal ids: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats summarizes counts grouped by detection, for the admin dashboard.
type Stats struct {
	Total          int64
	ByDetection    map[string]int64
	ActiveBanCount int64
}

// GetStats aggregates rows at or after since (all rows if since is nil).
func (h *SQLiteHistory) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{ByDetection: make(map[string]int64)}

	where := "WHERE 1=1"
	var args []interface{}
	if since != nil {
		where += " AND timestamp >= ?"
		args = append(args, *since)
	}

	row := h.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM events %s", where), args...)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("history: count events: %w", err)
	}

	rows, err := h.db.Query(fmt.Sprintf("SELECT detection, COUNT(*) FROM events %s GROUP BY detection", where), args...)
	if err != nil {
		return nil, fmt.Errorf("history: group by detection: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var detection string
		var count int64
		if err := rows.Scan(&detection, &count); err != nil {
			return nil, err
		}
		stats.ByDetection[detection] = count
	}
	return stats, nil
}

// CleanupBefore deletes rows older than cutoff, mirroring the retention
// sweep PurgeBefore runs against the KV log.
func (h *SQLiteHistory) CleanupBefore(cutoff time.Time) (int64, error) {
	result, err := h.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: cleanup: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}
