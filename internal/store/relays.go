package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Relay origin markers. System rows are seeded defaults and survive forced
// category changes; user rows come from the settings UI; admin-published
// rows arrive via kind-31106 declarations.
const (
	AddedBySystem         = "system"
	AddedByUser           = "user"
	AddedByAdminPublished = "admin-published"
)

// ErrSystemRelay is returned when removing a system-seeded relay without force.
var ErrSystemRelay = errors.New("relay was added by the system; use force to remove")

// Relay is one row of the relay registry.
type Relay struct {
	URL                 string   `json:"url"`
	Label               string   `json:"label"`
	Categories          []string `json:"categories"`
	Priority            int      `json:"priority"`
	AuthRequired        bool     `json:"auth_required"`
	Read                bool     `json:"read"`
	Write               bool     `json:"write"`
	AddedBy             string   `json:"added_by"`
	HealthScore         float64  `json:"health_score"`
	LastSuccess         *int64   `json:"last_success,omitempty"`
	LastFailure         *int64   `json:"last_failure,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

// RelayPatch holds the updatable fields of a relay row. Nil fields are
// left unchanged.
type RelayPatch struct {
	Label        *string   `json:"label"`
	Categories   *[]string `json:"categories"`
	Priority     *int      `json:"priority"`
	AuthRequired *bool     `json:"auth_required"`
	Read         *bool     `json:"read"`
	Write        *bool     `json:"write"`
}

// RelayFilter narrows ListRelays results. Zero value lists everything.
type RelayFilter struct {
	Category string
	ReadOnly bool // only relays with read=true
}

const kvCategoryPreference = "relay_category_preference"

// CanonicalRelayURL trims and lowercases a relay URL for use as the registry
// key. Returns an error when the URL is not a websocket URL.
func CanonicalRelayURL(raw string) (string, error) {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "wss://") && !strings.HasPrefix(lower, "ws://") {
		return "", fmt.Errorf("invalid relay URL %q: must start with wss:// or ws://", raw)
	}
	return lower, nil
}

// UpsertRelay inserts or updates a relay row. Health counters and the
// added_by origin of an existing row with the same URL are preserved, so
// re-adding a system-seeded relay cannot demote it to a user row.
func (s *Store) UpsertRelay(r Relay) error {
	url, err := CanonicalRelayURL(r.URL)
	if err != nil {
		return err
	}
	cats, err := json.Marshal(normalizeCategories(r.Categories))
	if err != nil {
		return err
	}
	q := s.q(`INSERT INTO relays (url, label, categories, priority, auth_required, read, write, added_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			label = excluded.label,
			categories = excluded.categories,
			priority = excluded.priority,
			auth_required = excluded.auth_required,
			read = excluded.read,
			write = excluded.write`)
	_, err = s.db.Exec(q, url, r.Label, string(cats), r.Priority,
		boolInt(r.AuthRequired), boolInt(r.Read), boolInt(r.Write), orDefault(r.AddedBy, AddedByUser))
	if err != nil {
		return fmt.Errorf("upsert relay %s: %w", url, err)
	}
	return nil
}

// UpdateRelay applies a partial update to an existing relay row.
func (s *Store) UpdateRelay(url string, patch RelayPatch) error {
	url, err := CanonicalRelayURL(url)
	if err != nil {
		return err
	}
	existing, err := s.getRelay(url)
	if err != nil {
		return err
	}
	if patch.Label != nil {
		existing.Label = *patch.Label
	}
	if patch.Categories != nil {
		existing.Categories = *patch.Categories
	}
	if patch.Priority != nil {
		existing.Priority = *patch.Priority
	}
	if patch.AuthRequired != nil {
		existing.AuthRequired = *patch.AuthRequired
	}
	if patch.Read != nil {
		existing.Read = *patch.Read
	}
	if patch.Write != nil {
		existing.Write = *patch.Write
	}
	return s.UpsertRelay(existing)
}

// RemoveRelay deletes a relay row. System-seeded rows are refused unless
// force is set.
func (s *Store) RemoveRelay(url string, force bool) error {
	url, err := CanonicalRelayURL(url)
	if err != nil {
		return err
	}
	if !force {
		r, err := s.getRelay(url)
		if err != nil {
			return err
		}
		if r.AddedBy == AddedBySystem {
			return ErrSystemRelay
		}
	}
	_, err = s.db.Exec(s.q(`DELETE FROM relays WHERE url = ?`), url)
	return err
}

// ListRelays returns relay rows matching the filter, ordered by
// (priority DESC, url ASC).
func (s *Store) ListRelays(filter RelayFilter) ([]Relay, error) {
	rows, err := s.db.Query(`SELECT url, label, categories, priority, auth_required, read, write,
		added_by, health_score, last_success, last_failure, consecutive_failures
		FROM relays ORDER BY priority DESC, url ASC`)
	if err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	all, err := scanRelays(rows)
	if err != nil {
		return nil, err
	}
	var out []Relay
	for _, r := range all {
		if filter.ReadOnly && !r.Read {
			continue
		}
		if filter.Category != "" && !containsString(r.Categories, filter.Category) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// EnsureDefaultRelays seeds the registry with system relays that are missing.
// Existing rows, including user-modified ones, are left untouched.
func (s *Store) EnsureDefaultRelays(seed []Relay) error {
	for _, r := range seed {
		url, err := CanonicalRelayURL(r.URL)
		if err != nil {
			return err
		}
		if _, err := s.getRelay(url); err == nil {
			continue
		}
		r.AddedBy = AddedBySystem
		if err := s.UpsertRelay(r); err != nil {
			return err
		}
	}
	return nil
}

// GetCategoryPreference returns the active relay category preference set.
// Empty means all categories.
func (s *Store) GetCategoryPreference() []string {
	raw, ok := s.GetKV(kvCategoryPreference)
	if !ok || raw == "" {
		return nil
	}
	var cats []string
	if err := json.Unmarshal([]byte(raw), &cats); err != nil {
		return nil
	}
	return cats
}

// SetCategoryPreference persists the relay category preference set.
func (s *Store) SetCategoryPreference(categories []string) error {
	raw, err := json.Marshal(normalizeCategories(categories))
	if err != nil {
		return err
	}
	return s.SetKV(kvCategoryPreference, string(raw))
}

// SelectActiveRelays returns the canonical URLs of relays eligible for
// connection: read-enabled rows whose categories intersect the category
// preference (empty preference means all). If the result is empty the seed
// defaults are ensured and the selection re-evaluated once.
func (s *Store) SelectActiveRelays(seed []Relay) ([]string, error) {
	urls, err := s.selectActiveOnce()
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 && len(seed) > 0 {
		if err := s.EnsureDefaultRelays(seed); err != nil {
			return nil, err
		}
		return s.selectActiveOnce()
	}
	return urls, nil
}

func (s *Store) selectActiveOnce() ([]string, error) {
	relays, err := s.ListRelays(RelayFilter{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	pref := s.GetCategoryPreference()

	seen := make(map[string]struct{}, len(relays))
	var out []string
	for _, r := range relays {
		if len(pref) > 0 && !intersects(r.Categories, pref) {
			continue
		}
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r.URL)
	}
	return out, nil
}

// RecordRelaySuccess bumps last_success and resets the failure streak.
func (s *Store) RecordRelaySuccess(url string) error {
	url = strings.ToLower(strings.TrimSpace(url))
	// Postgres has no scalar MIN; SQLite before 3.44 has no LEAST.
	clamp := "MIN(health_score + 1, 100)"
	if s.driver == "postgres" {
		clamp = "LEAST(health_score + 1, 100)"
	}
	q := s.q(`UPDATE relays SET last_success = ?, consecutive_failures = 0,
		health_score = ` + clamp + ` WHERE url = ?`)
	_, err := s.db.Exec(q, time.Now().Unix(), url)
	return err
}

// RecordRelayFailure bumps last_failure and the failure streak.
func (s *Store) RecordRelayFailure(url string) error {
	url = strings.ToLower(strings.TrimSpace(url))
	clamp := "MAX(health_score - 5, 0)"
	if s.driver == "postgres" {
		clamp = "GREATEST(health_score - 5, 0)"
	}
	q := s.q(`UPDATE relays SET last_failure = ?, consecutive_failures = consecutive_failures + 1,
		health_score = ` + clamp + ` WHERE url = ?`)
	_, err := s.db.Exec(q, time.Now().Unix(), url)
	return err
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *Store) getRelay(url string) (Relay, error) {
	rows, err := s.db.Query(s.q(`SELECT url, label, categories, priority, auth_required, read, write,
		added_by, health_score, last_success, last_failure, consecutive_failures
		FROM relays WHERE url = ?`), url)
	if err != nil {
		return Relay{}, err
	}
	relays, err := scanRelays(rows)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, sql.ErrNoRows
	}
	return relays[0], nil
}

func scanRelays(rows *sql.Rows) ([]Relay, error) {
	defer rows.Close()
	var out []Relay
	for rows.Next() {
		var r Relay
		var cats string
		var authRequired, read, write int
		if err := rows.Scan(&r.URL, &r.Label, &cats, &r.Priority, &authRequired, &read, &write,
			&r.AddedBy, &r.HealthScore, &r.LastSuccess, &r.LastFailure, &r.ConsecutiveFailures); err != nil {
			return nil, err
		}
		r.AuthRequired = authRequired != 0
		r.Read = read != 0
		r.Write = write != 0
		if err := json.Unmarshal([]byte(cats), &r.Categories); err != nil {
			r.Categories = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// normalizeCategories dedupes, trims, and sorts a category list so it
// behaves as a set.
func normalizeCategories(cats []string) []string {
	seen := make(map[string]struct{}, len(cats))
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		c = strings.TrimSpace(strings.ToLower(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if containsString(b, v) {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
