package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Rating is the projected form of the most recent authoritative kind-31001
// event per (rater, game).
type Rating struct {
	RaterPubkey      string   `json:"rater_pubkey"`
	GameID           string   `json:"gameid"`
	GVUUID           string   `json:"gvuuid"`
	Version          int      `json:"version"`
	Status           string   `json:"status"`
	RatingJSON       string   `json:"rating_json"`
	UserNotes        *string  `json:"user_notes,omitempty"`
	OverallRating    *float64 `json:"overall_rating,omitempty"`
	DifficultyRating *float64 `json:"difficulty_rating,omitempty"`
	CreatedAtTS      *int64   `json:"created_at_ts,omitempty"`
	UpdatedAtTS      *int64   `json:"updated_at_ts,omitempty"`
	PublishedAt      int64    `json:"published_at"`
	ReceivedAt       int64    `json:"received_at"`
	TrustLevel       int      `json:"trust_level"`
	TrustTier        string   `json:"trust_tier"`
	EventID          string   `json:"event_id"`
	Signature        string   `json:"signature"`
	TagsJSON         string   `json:"tags_json"`
}

// RatingSummary holds the per-(game, field, tier) cohort statistics.
type RatingSummary struct {
	GameID         string  `json:"gameid"`
	RatingCategory string  `json:"rating_category"`
	TrustTier      string  `json:"trust_tier"`
	Count          int     `json:"count"`
	Average        float64 `json:"average"`
	Median         float64 `json:"median"`
	Stddev         float64 `json:"stddev"`
	UpdatedAt      int64   `json:"updated_at"`
}

// GetRating returns the rating row for (rater, game), or (nil, nil) when
// absent.
func (s *Store) GetRating(raterPubkey, gameID string) (*Rating, error) {
	row := s.db.QueryRow(s.q(`SELECT rater_pubkey, gameid, gvuuid, version, status, rating_json,
		user_notes, overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
		published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json
		FROM ratings WHERE rater_pubkey = ? AND gameid = ?`), raterPubkey, gameID)
	var r Rating
	err := row.Scan(&r.RaterPubkey, &r.GameID, &r.GVUUID, &r.Version, &r.Status, &r.RatingJSON,
		&r.UserNotes, &r.OverallRating, &r.DifficultyRating, &r.CreatedAtTS, &r.UpdatedAtTS,
		&r.PublishedAt, &r.ReceivedAt, &r.TrustLevel, &r.TrustTier, &r.EventID, &r.Signature, &r.TagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rating %s/%s: %w", raterPubkey, gameID, err)
	}
	return &r, nil
}

// UpsertRating writes the rating row for (rater, game), replacing any
// existing projection.
func (s *Store) UpsertRating(r Rating) error {
	q := s.q(`INSERT INTO ratings (rater_pubkey, gameid, gvuuid, version, status, rating_json,
		user_notes, overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
		published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rater_pubkey, gameid) DO UPDATE SET
			gvuuid = excluded.gvuuid,
			version = excluded.version,
			status = excluded.status,
			rating_json = excluded.rating_json,
			user_notes = excluded.user_notes,
			overall_rating = excluded.overall_rating,
			difficulty_rating = excluded.difficulty_rating,
			created_at_ts = excluded.created_at_ts,
			updated_at_ts = excluded.updated_at_ts,
			published_at = excluded.published_at,
			received_at = excluded.received_at,
			trust_level = excluded.trust_level,
			trust_tier = excluded.trust_tier,
			event_id = excluded.event_id,
			signature = excluded.signature,
			tags_json = excluded.tags_json`)
	_, err := s.db.Exec(q, r.RaterPubkey, r.GameID, r.GVUUID, r.Version, r.Status, r.RatingJSON,
		r.UserNotes, r.OverallRating, r.DifficultyRating, r.CreatedAtTS, r.UpdatedAtTS,
		r.PublishedAt, r.ReceivedAt, r.TrustLevel, r.TrustTier, r.EventID, r.Signature, r.TagsJSON)
	if err != nil {
		return fmt.Errorf("upsert rating %s/%s: %w", r.RaterPubkey, r.GameID, err)
	}
	return nil
}

// RatingsForGame returns every rating row for a game.
func (s *Store) RatingsForGame(gameID string) ([]Rating, error) {
	rows, err := s.db.Query(s.q(`SELECT rater_pubkey, gameid, gvuuid, version, status, rating_json,
		user_notes, overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
		published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json
		FROM ratings WHERE gameid = ?`), gameID)
	if err != nil {
		return nil, fmt.Errorf("ratings for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var r Rating
		if err := rows.Scan(&r.RaterPubkey, &r.GameID, &r.GVUUID, &r.Version, &r.Status, &r.RatingJSON,
			&r.UserNotes, &r.OverallRating, &r.DifficultyRating, &r.CreatedAtTS, &r.UpdatedAtTS,
			&r.PublishedAt, &r.ReceivedAt, &r.TrustLevel, &r.TrustTier, &r.EventID, &r.Signature, &r.TagsJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceSummariesForGame swaps in the recomputed summary rows for a game.
// The delete and the inserts run in one transaction so readers never observe
// a partially recomputed set.
func (s *Store) ReplaceSummariesForGame(gameID string, summaries []RatingSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.q(`DELETE FROM rating_summaries WHERE gameid = ?`), gameID); err != nil {
		return fmt.Errorf("clear summaries %s: %w", gameID, err)
	}
	insert := s.q(`INSERT INTO rating_summaries (gameid, rating_category, trust_tier, count, average, median, stddev, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, sum := range summaries {
		if _, err := tx.Exec(insert, sum.GameID, sum.RatingCategory, sum.TrustTier,
			sum.Count, sum.Average, sum.Median, sum.Stddev, sum.UpdatedAt); err != nil {
			return fmt.Errorf("insert summary %s/%s/%s: %w", sum.GameID, sum.RatingCategory, sum.TrustTier, err)
		}
	}
	return tx.Commit()
}

// SummariesForGame returns the summary rows for a game ordered by
// (category, tier).
func (s *Store) SummariesForGame(gameID string) ([]RatingSummary, error) {
	rows, err := s.db.Query(s.q(`SELECT gameid, rating_category, trust_tier, count, average, median, stddev, updated_at
		FROM rating_summaries WHERE gameid = ? ORDER BY rating_category ASC, trust_tier ASC`), gameID)
	if err != nil {
		return nil, fmt.Errorf("summaries for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var out []RatingSummary
	for rows.Next() {
		var sum RatingSummary
		if err := rows.Scan(&sum.GameID, &sum.RatingCategory, &sum.TrustTier,
			&sum.Count, &sum.Average, &sum.Median, &sum.Stddev, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ─── Trust declarations ───────────────────────────────────────────────────────

// TrustLevelFor returns the declared trust level for a pubkey. Pubkeys with
// no declaration default to level 0 (unverified). The declaration graph is
// maintained by the admin-declaration consumers, not by this runtime.
func (s *Store) TrustLevelFor(pubkey string) (int, error) {
	var level int
	err := s.db.QueryRow(s.q(`SELECT trust_level FROM trust_declarations WHERE pubkey = ?`), pubkey).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trust level for %s: %w", pubkey, err)
	}
	return level, nil
}

// SetTrustLevel upserts a trust declaration. Exposed for the declaration
// ingestion consumers and for tests.
func (s *Store) SetTrustLevel(pubkey string, level int) error {
	q := s.q(`INSERT INTO trust_declarations (pubkey, trust_level) VALUES (?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET trust_level = excluded.trust_level`)
	_, err := s.db.Exec(q, pubkey, level)
	return err
}
