package store

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Follow entry sources. Manual entries come from the settings UI; keypair
// entries are written by the application when project keys are provisioned.
const (
	FollowSourceManual         = "manual"
	FollowSourceAdminKeypair   = "admin-keypair"
	FollowSourceProfileKeypair = "profile-keypair"
)

// FollowEntry is one row of the follow table.
type FollowEntry struct {
	PubKey string `json:"pubkey"`
	Source string `json:"source"`
	Label  string `json:"label,omitempty"`
}

// NormalizePubkey accepts a hex or npub-encoded public key and returns the
// canonical lowercase hex form. Non-normalizable inputs are rejected.
func NormalizePubkey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty pubkey")
	}
	if strings.HasPrefix(strings.ToLower(input), "npub1") {
		prefix, data, err := nip19.Decode(strings.ToLower(input))
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return strings.ToLower(data.(string)), nil
	}
	lower := strings.ToLower(input)
	raw, err := hex.DecodeString(lower)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid pubkey %q: want 32-byte hex or npub", input)
	}
	return lower, nil
}

// AddFollow upserts a follow entry. The pubkey is normalized to lowercase hex.
func (s *Store) AddFollow(entry FollowEntry) error {
	pubkey, err := NormalizePubkey(entry.PubKey)
	if err != nil {
		return err
	}
	q := s.q(`INSERT INTO follow_entries (pubkey, source, label) VALUES (?, ?, ?)
		ON CONFLICT (pubkey, source) DO UPDATE SET label = excluded.label`)
	_, err = s.db.Exec(q, pubkey, orDefault(entry.Source, FollowSourceManual), entry.Label)
	if err != nil {
		return fmt.Errorf("add follow %s: %w", pubkey, err)
	}
	return nil
}

// RemoveFollow deletes a follow entry.
func (s *Store) RemoveFollow(pubkey, source string) error {
	pk, err := NormalizePubkey(pubkey)
	if err != nil {
		return err
	}
	q := s.q(`DELETE FROM follow_entries WHERE pubkey = ? AND source = ?`)
	_, err = s.db.Exec(q, pk, orDefault(source, FollowSourceManual))
	return err
}

// ListFollows returns all follow entries for a source, or every entry when
// source is empty.
func (s *Store) ListFollows(source string) ([]FollowEntry, error) {
	query := `SELECT pubkey, source, label FROM follow_entries ORDER BY pubkey ASC`
	args := []any{}
	if source != "" {
		query = s.q(`SELECT pubkey, source, label FROM follow_entries WHERE source = ? ORDER BY pubkey ASC`)
		args = append(args, source)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()

	var out []FollowEntry
	for rows.Next() {
		var e FollowEntry
		if err := rows.Scan(&e.PubKey, &e.Source, &e.Label); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetManualFollows replaces the manual follow set wholesale. Entries from
// keypair sources are untouched.
func (s *Store) SetManualFollows(entries []FollowEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.q(`DELETE FROM follow_entries WHERE source = ?`), FollowSourceManual); err != nil {
		return fmt.Errorf("clear manual follows: %w", err)
	}
	insert := s.q(`INSERT INTO follow_entries (pubkey, source, label) VALUES (?, ?, ?)
		ON CONFLICT (pubkey, source) DO UPDATE SET label = excluded.label`)
	for _, e := range entries {
		pubkey, err := NormalizePubkey(e.PubKey)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(insert, pubkey, FollowSourceManual, e.Label); err != nil {
			return fmt.Errorf("insert manual follow %s: %w", pubkey, err)
		}
	}
	return tx.Commit()
}

// FollowPubkeySet returns the deduplicated, sorted union of follow pubkeys
// across all sources. Rebuilt on demand; there is no in-memory cache.
func (s *Store) FollowPubkeySet() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT pubkey FROM follow_entries`)
	if err != nil {
		return nil, fmt.Errorf("follow pubkey set: %w", err)
	}
	pubkeys, err := scanStringRows(rows)
	if err != nil {
		return nil, err
	}
	sort.Strings(pubkeys)
	return pubkeys, nil
}
