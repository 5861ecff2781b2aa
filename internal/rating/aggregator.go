// Package rating turns kind-31001 game annotation events into per-(rater,
// game) rating rows and per-game cohort summary statistics.
package rating

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"gamestr/internal/store"
	"gamestr/internal/trust"
)

// RatingStore is the subset of store.Store used by the aggregator.
type RatingStore interface {
	GetRating(raterPubkey, gameID string) (*store.Rating, error)
	UpsertRating(r store.Rating) error
	RatingsForGame(gameID string) ([]store.Rating, error)
	ReplaceSummariesForGame(gameID string, summaries []store.RatingSummary) error
}

// TrustResolver resolves a pubkey to its (level, tier) pair.
// *trust.Resolver satisfies this interface.
type TrustResolver interface {
	Resolve(pubkey string) (int, string, error)
}

// Aggregator projects rating events into the ratings store. Aggregations
// for one game are totally ordered by a per-game mutex; different games
// proceed in parallel.
type Aggregator struct {
	store RatingStore
	trust TrustResolver
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[string]*gameLock
}

type gameLock struct {
	mu   sync.Mutex
	refs int
}

// NewAggregator creates an Aggregator over the given store and resolver.
func NewAggregator(st RatingStore, tr TrustResolver) *Aggregator {
	return &Aggregator{
		store: st,
		trust: tr,
		now:   time.Now,
		locks: make(map[string]*gameLock),
	}
}

// payload is the decoded shape of a kind-31001 content document.
type payload struct {
	Rating    map[string]any `json:"rating"`
	GameID    string         `json:"gameid"`
	GVUUID    string         `json:"gvuuid"`
	Version   int            `json:"version"`
	Status    string         `json:"status"`
	UserNotes string         `json:"user_notes"`
}

// Ingest processes one kind-31001 event: parse, normalize, resolve trust,
// apply the freshness rule, upsert the rating row, and recompute the game's
// summaries. Older or already-stored events are skipped silently.
func (a *Aggregator) Ingest(ev *nostr.Event) error {
	if ev.PubKey == "" {
		return fmt.Errorf("rating event %s has no pubkey", ev.ID)
	}

	var p payload
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return fmt.Errorf("rating event %s: malformed content: %w", ev.ID, err)
	}

	gameID := firstNonEmpty(p.GameID, firstTagValue(ev.Tags, "gameid"))
	if gameID == "" {
		return fmt.Errorf("rating event %s has no gameid", ev.ID)
	}
	gvuuid := firstNonEmpty(p.GVUUID, firstTagValue(ev.Tags, "gvuuid"))
	version := p.Version
	if version == 0 {
		if v, ok := toFinite(firstTagValue(ev.Tags, "version")); ok {
			version = int(v)
		} else {
			version = 1
		}
	}
	status := firstNonEmpty(p.Status, "Default")

	normalized := NormalizePayload(p.Rating)
	ratingJSON, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("rating event %s: marshal normalized payload: %w", ev.ID, err)
	}
	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("rating event %s: marshal tags: %w", ev.ID, err)
	}

	level, tier, err := a.trust.Resolve(ev.PubKey)
	if err != nil {
		return fmt.Errorf("rating event %s: %w", ev.ID, err)
	}

	unlock := a.lockGame(gameID)
	defer unlock()

	existing, err := a.store.GetRating(ev.PubKey, gameID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.PublishedAt > int64(ev.CreatedAt) {
			slog.Debug("skipping stale rating event", "id", ev.ID, "gameid", gameID,
				"stored_published_at", existing.PublishedAt, "event_created_at", int64(ev.CreatedAt))
			return nil
		}
		if existing.EventID == ev.ID {
			return nil
		}
	}

	row := store.Rating{
		RaterPubkey:      ev.PubKey,
		GameID:           gameID,
		GVUUID:           gvuuid,
		Version:          version,
		Status:           status,
		RatingJSON:       string(ratingJSON),
		UserNotes:        optionalString(strings.TrimSpace(p.UserNotes)),
		OverallRating:    numericField(normalized, "user_review_rating"),
		DifficultyRating: numericField(normalized, "user_difficulty_rating"),
		CreatedAtTS:      timestampField(normalized, "created_at_ts"),
		UpdatedAtTS:      timestampField(normalized, "updated_at_ts"),
		PublishedAt:      int64(ev.CreatedAt),
		ReceivedAt:       a.now().Unix(),
		TrustLevel:       level,
		TrustTier:        tier,
		EventID:          ev.ID,
		Signature:        ev.Sig,
		TagsJSON:         string(tagsJSON),
	}
	if err := a.store.UpsertRating(row); err != nil {
		return err
	}

	if err := a.recomputeSummaries(gameID); err != nil {
		return fmt.Errorf("recompute summaries for %s: %w", gameID, err)
	}
	slog.Debug("rating ingested", "gameid", gameID, "rater", ev.PubKey[:8], "tier", tier)
	return nil
}

// recomputeSummaries rebuilds every (field, tier) summary for one game from
// the current rating rows. Must be called with the game lock held.
func (a *Aggregator) recomputeSummaries(gameID string) error {
	rows, err := a.store.RatingsForGame(gameID)
	if err != nil {
		return err
	}

	byTier := make(map[string][]map[string]any)
	for _, r := range rows {
		var doc map[string]any
		if err := json.Unmarshal([]byte(r.RatingJSON), &doc); err != nil {
			slog.Warn("skipping unreadable rating row in summary", "gameid", gameID, "rater", r.RaterPubkey, "error", err)
			continue
		}
		byTier[r.TrustTier] = append(byTier[r.TrustTier], doc)
	}

	tiers := make(map[string]struct{}, len(trust.Tiers)+len(byTier))
	for _, t := range trust.Tiers {
		tiers[t] = struct{}{}
	}
	for t := range byTier {
		tiers[t] = struct{}{}
	}

	now := a.now().Unix()
	var summaries []store.RatingSummary
	for tier := range tiers {
		cohort := byTier[tier]
		for _, field := range NumericFields {
			var values []float64
			for _, doc := range cohort {
				if v, ok := toFinite(doc[field]); ok {
					values = append(values, v)
				}
			}
			if len(values) == 0 {
				continue
			}
			summaries = append(summaries, store.RatingSummary{
				GameID:         gameID,
				RatingCategory: field,
				TrustTier:      tier,
				Count:          len(values),
				Average:        average(values),
				Median:         median(values),
				Stddev:         stddev(values),
				UpdatedAt:      now,
			})
		}
	}
	return a.store.ReplaceSummariesForGame(gameID, summaries)
}

// lockGame acquires the per-game mutex, creating it on demand. The entry is
// garbage-collected once no aggregation holds or waits on it.
func (a *Aggregator) lockGame(gameID string) (unlock func()) {
	a.locksMu.Lock()
	l := a.locks[gameID]
	if l == nil {
		l = &gameLock{}
		a.locks[gameID] = l
	}
	l.refs++
	a.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, gameID)
		}
		a.locksMu.Unlock()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return strings.TrimSpace(tag[1])
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func numericField(normalized map[string]any, field string) *float64 {
	if v, ok := normalized[field].(float64); ok {
		return &v
	}
	return nil
}

func timestampField(normalized map[string]any, field string) *int64 {
	if v, ok := normalized[field].(int64); ok {
		return &v
	}
	return nil
}
