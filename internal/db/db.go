package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

// RelayEvent is one journaled broker lifecycle entry.
type RelayEvent struct {
	ID     int64     `json:"id"`
	Ts     time.Time `json:"ts"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS relay_events (
			id     INTEGER PRIMARY KEY,
			ts     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind   TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create relay_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_relay_events_ts ON relay_events(ts DESC)`); err != nil {
		return fmt.Errorf("index relay_events: %w", err)
	}
	return nil
}

func (d *DB) InsertEvent(kind, detail string) error {
	_, err := d.sql.Exec(
		`INSERT INTO relay_events (kind, detail) VALUES (?, ?)`,
		kind, detail,
	)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (d *DB) RecentEvents(limit int) ([]RelayEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, ts, kind, detail
		 FROM relay_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []RelayEvent
	for rows.Next() {
		var e RelayEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		e.Ts, _ = parseTimestamp(ts)
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// Prune keeps only the newest keep events.
func (d *DB) Prune(keep int) (int64, error) {
	res, err := d.sql.Exec(
		`DELETE FROM relay_events
		 WHERE id NOT IN (SELECT id FROM relay_events ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune relay_events: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) CountEvents() (int, error) {
	var n int
	err := d.sql.QueryRow(`SELECT COUNT(*) FROM relay_events`).Scan(&n)
	return n, err
}

// parseTimestamp accepts both forms the driver hands back for a DATETIME
// default column.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
