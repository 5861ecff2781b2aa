package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Queue names for the four logical partitions of the raw-events table.
const (
	QueueCacheIn  = "cache_in"
	QueueCacheOut = "cache_out"
	QueueStoreIn  = "store_in"
	QueueStoreOut = "store_out"
)

// Processing status values for a raw-event row.
const (
	StatusFailed   = -1
	StatusPending  = 0
	StatusInFlight = 1
	StatusDone     = 2
)

// RawEvent is one row of the raw-events table: a Nostr event plus the
// processing metadata the ingress/egress pipeline attaches to it.
type RawEvent struct {
	ID        string
	Kind      int
	PubKey    string
	CreatedAt int64
	TagsJSON  string
	Content   string
	Sig       string

	ProcStatus int
	ProcAt     *int64
	KeepFor    *int64

	// Routing metadata used by non-core consumers to correlate events with
	// application records.
	TableName       string
	RecordUUID      string
	UserProfileUUID string
}

// Routing carries the optional correlation metadata stored with a raw event.
type Routing struct {
	TableName       string
	RecordUUID      string
	UserProfileUUID string
}

// Enqueue inserts an event into the given queue. Inserts are idempotent:
// re-inserting the same (queue, id) returns (false, nil) without touching
// the existing row.
func (s *Store) Enqueue(queue string, ev RawEvent, status int, keepFor *int64, routing Routing) (bool, error) {
	now := time.Now().Unix()
	q := s.q(`INSERT INTO raw_events
		(queue, id, kind, pubkey, created_at, tags_json, content, sig,
		 proc_status, proc_at, keep_for, table_name, record_uuid, user_profile_uuid, inserted_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (queue, id) DO NOTHING`)
	res, err := s.db.Exec(q,
		queue, ev.ID, ev.Kind, ev.PubKey, ev.CreatedAt, ev.TagsJSON, ev.Content, ev.Sig,
		status, now, keepFor,
		nullable(routing.TableName), nullable(routing.RecordUUID), nullable(routing.UserProfileUUID),
		now, s.nextSeq())
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", queue, ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus transitions a row to the given processing status, stamping
// proc_at with the current time.
func (s *Store) UpdateStatus(queue, id string, status int) error {
	q := s.q(`UPDATE raw_events SET proc_status = ?, proc_at = ? WHERE queue = ? AND id = ?`)
	_, err := s.db.Exec(q, status, time.Now().Unix(), queue, id)
	if err != nil {
		return fmt.Errorf("update status %s/%s: %w", queue, id, err)
	}
	return nil
}

// Move atomically moves a row from one queue to another. The rename runs in
// one transaction so the row is never lost or duplicated: at any point the
// (id) exists in exactly one of the two queues.
func (s *Store) Move(srcQueue, dstQueue, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("move %s→%s/%s: begin: %w", srcQueue, dstQueue, id, err)
	}
	defer tx.Rollback()

	q := s.q(`UPDATE raw_events SET queue = ? WHERE queue = ? AND id = ?`)
	res, err := tx.Exec(q, dstQueue, srcQueue, id)
	if err != nil {
		return fmt.Errorf("move %s→%s/%s: %w", srcQueue, dstQueue, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("move %s→%s/%s: row not found", srcQueue, dstQueue, id)
	}
	return tx.Commit()
}

// ListByStatus returns up to limit rows in the given queue and status, in
// strict insertion order. seq numbers inserts, so rows enqueued within the
// same second still come back FIFO.
func (s *Store) ListByStatus(queue string, status, limit int) ([]RawEvent, error) {
	q := s.q(`SELECT id, kind, pubkey, created_at, tags_json, content, sig,
		proc_status, proc_at, keep_for, table_name, record_uuid, user_profile_uuid
		FROM raw_events
		WHERE queue = ? AND proc_status = ?
		ORDER BY seq ASC
		LIMIT ?`)
	rows, err := s.db.Query(q, queue, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s status %d: %w", queue, status, err)
	}
	return scanRawEvents(rows)
}

// CountByStatus returns the number of rows in the given queue and status.
func (s *Store) CountByStatus(queue string, status int) (int, error) {
	var n int
	q := s.q(`SELECT COUNT(*) FROM raw_events WHERE queue = ? AND proc_status = ?`)
	if err := s.db.QueryRow(q, queue, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s status %d: %w", queue, status, err)
	}
	return n, nil
}

// CountQueue returns the total number of rows in a queue.
func (s *Store) CountQueue(queue string) (int, error) {
	var n int
	q := s.q(`SELECT COUNT(*) FROM raw_events WHERE queue = ?`)
	if err := s.db.QueryRow(q, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", queue, err)
	}
	return n, nil
}

// QueueProjection is the lightweight row shape returned by FetchPage for
// UI queue snapshots.
type QueueProjection struct {
	ID         string `json:"id"`
	Kind       int    `json:"kind"`
	PubKey     string `json:"pubkey"`
	CreatedAt  int64  `json:"created_at"`
	ProcStatus int    `json:"proc_status"`
	ProcAt     *int64 `json:"proc_at,omitempty"`
	TableName  string `json:"table_name,omitempty"`
	RecordUUID string `json:"record_uuid,omitempty"`
}

// FetchPage returns up to limit row projections in the given queue and
// status, newest first.
func (s *Store) FetchPage(queue string, status, limit int) ([]QueueProjection, error) {
	q := s.q(`SELECT id, kind, pubkey, created_at, proc_status, proc_at, table_name, record_uuid
		FROM raw_events
		WHERE queue = ? AND proc_status = ?
		ORDER BY seq DESC
		LIMIT ?`)
	rows, err := s.db.Query(q, queue, status, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", queue, err)
	}
	defer rows.Close()

	var out []QueueProjection
	for rows.Next() {
		var p QueueProjection
		var tableName, recordUUID sql.NullString
		if err := rows.Scan(&p.ID, &p.Kind, &p.PubKey, &p.CreatedAt, &p.ProcStatus, &p.ProcAt, &tableName, &recordUUID); err != nil {
			return nil, err
		}
		p.TableName = tableName.String
		p.RecordUUID = recordUUID.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// DemoteStaleInFlight moves in-flight rows whose proc_at is older than the
// threshold back to pending. Used by the egress recovery sweep at startup.
// Returns the number of rows demoted.
func (s *Store) DemoteStaleInFlight(queue string, olderThan int64) (int, error) {
	q := s.q(`UPDATE raw_events SET proc_status = ?, proc_at = ?
		WHERE queue = ? AND proc_status = ? AND (proc_at IS NULL OR proc_at < ?)`)
	res, err := s.db.Exec(q, StatusPending, time.Now().Unix(), queue, StatusInFlight, olderThan)
	if err != nil {
		return 0, fmt.Errorf("demote stale in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountProcessedSince returns the number of rows in a queue whose proc_at is
// at or after the given unix time. Used for the sent-last-minute stat.
func (s *Store) CountProcessedSince(queue string, since int64) (int, error) {
	var n int
	q := s.q(`SELECT COUNT(*) FROM raw_events WHERE queue = ? AND proc_at >= ?`)
	if err := s.db.QueryRow(q, queue, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RetentionSweep deletes rows whose keep_for window has elapsed relative to
// their insertion time. Rows without a retention hint are kept.
func (s *Store) RetentionSweep(now int64) (int, error) {
	q := s.q(`DELETE FROM raw_events WHERE keep_for IS NOT NULL AND inserted_at + keep_for < ?`)
	res, err := s.db.Exec(q, now)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRawEvents(rows *sql.Rows) ([]RawEvent, error) {
	defer rows.Close()
	var out []RawEvent
	for rows.Next() {
		var ev RawEvent
		var tableName, recordUUID, userProfileUUID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.PubKey, &ev.CreatedAt, &ev.TagsJSON, &ev.Content, &ev.Sig,
			&ev.ProcStatus, &ev.ProcAt, &ev.KeepFor, &tableName, &recordUUID, &userProfileUUID); err != nil {
			return nil, err
		}
		ev.TableName = tableName.String
		ev.RecordUUID = recordUUID.String
		ev.UserProfileUUID = userProfileUUID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
