// Package store handles database connectivity, migrations, and data access
// for the gamestr runtime. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods:
// the raw-event queues, the relay registry, follow entries, resource limits,
// rating rows and summaries, and the KV settings table.
type Store struct {
	db     *sql.DB
	driver string

	// seq numbers queue inserts so FIFO ordering survives rows enqueued
	// within the same second. Seeded from MAX(seq) by Migrate.
	seq atomic.Int64
}

// Open opens a database connection. The URL can be:
//   - A file path like "gamestr.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer. The single
		// connection also serializes queue mutations against concurrent
		// flush cycles, which Move and UpdateStatus rely on.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency
			// (PostgreSQL reports these where SQLite's IF NOT EXISTS does not).
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	var maxSeq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM raw_events`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("seed queue sequence: %w", err)
	}
	s.seq.Store(maxSeq)

	slog.Info("migrations complete")
	return nil
}

// nextSeq returns the next queue insertion sequence number.
func (s *Store) nextSeq() int64 {
	return s.seq.Add(1)
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		queue             TEXT NOT NULL,
		id                TEXT NOT NULL,
		kind              INTEGER NOT NULL,
		pubkey            TEXT NOT NULL,
		created_at        BIGINT NOT NULL,
		tags_json         TEXT NOT NULL DEFAULT '[]',
		content           TEXT NOT NULL DEFAULT '',
		sig               TEXT NOT NULL DEFAULT '',
		proc_status       INTEGER NOT NULL DEFAULT 0,
		proc_at           BIGINT,
		keep_for          BIGINT,
		table_name        TEXT,
		record_uuid       TEXT,
		user_profile_uuid TEXT,
		inserted_at       BIGINT NOT NULL DEFAULT 0,
		seq               BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (queue, id)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_events_queue_status ON raw_events(queue, proc_status, seq)`,
	`CREATE TABLE IF NOT EXISTS relays (
		url                  TEXT PRIMARY KEY,
		label                TEXT NOT NULL DEFAULT '',
		categories           TEXT NOT NULL DEFAULT '[]',
		priority             INTEGER NOT NULL DEFAULT 0,
		auth_required        INTEGER NOT NULL DEFAULT 0,
		read                 INTEGER NOT NULL DEFAULT 1,
		write                INTEGER NOT NULL DEFAULT 1,
		added_by             TEXT NOT NULL DEFAULT 'user',
		health_score         REAL NOT NULL DEFAULT 0,
		last_success         BIGINT,
		last_failure         BIGINT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS follow_entries (
		pubkey TEXT NOT NULL,
		source TEXT NOT NULL,
		label  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (pubkey, source)
	)`,
	`CREATE TABLE IF NOT EXISTS trust_declarations (
		pubkey      TEXT PRIMARY KEY,
		trust_level INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ratings (
		rater_pubkey      TEXT NOT NULL,
		gameid            TEXT NOT NULL,
		gvuuid            TEXT NOT NULL DEFAULT '',
		version           INTEGER NOT NULL DEFAULT 1,
		status            TEXT NOT NULL DEFAULT 'Default',
		rating_json       TEXT NOT NULL DEFAULT '{}',
		user_notes        TEXT,
		overall_rating    REAL,
		difficulty_rating REAL,
		created_at_ts     BIGINT,
		updated_at_ts     BIGINT,
		published_at      BIGINT NOT NULL,
		received_at       BIGINT NOT NULL,
		trust_level       INTEGER NOT NULL DEFAULT 0,
		trust_tier        TEXT NOT NULL DEFAULT 'unverified',
		event_id          TEXT NOT NULL,
		signature         TEXT NOT NULL DEFAULT '',
		tags_json         TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (rater_pubkey, gameid)
	)`,
	`CREATE INDEX IF NOT EXISTS ratings_gameid ON ratings(gameid)`,
	`CREATE TABLE IF NOT EXISTS rating_summaries (
		gameid          TEXT NOT NULL,
		rating_category TEXT NOT NULL,
		trust_tier      TEXT NOT NULL,
		count           INTEGER NOT NULL,
		average         REAL NOT NULL,
		median          REAL NOT NULL,
		stddev          REAL NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (gameid, rating_category, trust_tier)
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for persistent settings like resource
// limits and the relay category preference.
func (s *Store) SetKV(key, value string) error {
	q := s.q(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`)
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// q rewrites ?-style placeholders to $n for PostgreSQL. Queries are written
// once in SQLite syntax; this keeps the two drivers from diverging.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
