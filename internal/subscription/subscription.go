// Package subscription computes the active filter set from the follow list
// and subscription-kind policy, and maintains at most one logical
// subscription across the relay pool.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"gamestr/internal/pool"
)

// DefaultKinds is the fixed kind set the runtime subscribes to: profiles,
// follow lists, game annotations, admin declarations, and admin keypairs.
var DefaultKinds = []int{0, 3, 31001, 31106, 31107}

// DefaultFilterLimit caps the stored-event backfill per filter.
const DefaultFilterLimit = 200

// Handle is the closeable side of an open subscription.
type Handle interface {
	Close()
}

// Subscriber opens subscriptions across a URL set. The runtime adapts
// *pool.Pool to this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, urls []string, filters nostr.Filters, handlers pool.Handlers) Handle
}

// FollowSource provides the current follow pubkey union. *store.Store
// satisfies this interface.
type FollowSource interface {
	FollowPubkeySet() ([]string, error)
}

// Manager owns the single active subscription and refreshes it when its
// inputs change.
type Manager struct {
	subscriber Subscriber
	follows    FollowSource
	handlers   pool.Handlers
	kinds      []int
	limit      int

	mu            sync.Mutex
	handle        Handle
	activeFilters string // canonical serialization of the live filter set
	activeURLs    string // sorted URL set the live subscription spans
}

// NewManager creates a Manager subscribing to kinds (DefaultKinds when nil)
// with the given per-filter limit (DefaultFilterLimit when zero).
func NewManager(subscriber Subscriber, follows FollowSource, handlers pool.Handlers, kinds []int, limit int) *Manager {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	if limit <= 0 {
		limit = DefaultFilterLimit
	}
	return &Manager{
		subscriber: subscriber,
		follows:    follows,
		handlers:   handlers,
		kinds:      kinds,
		limit:      limit,
	}
}

// Refresh recomputes the filter set and reconciles the live subscription.
// When both the canonical filter serialization and the URL set are unchanged
// and force is false, the existing handle is left untouched.
func (m *Manager) Refresh(ctx context.Context, urls []string, force bool) error {
	follows, err := m.follows.FollowPubkeySet()
	if err != nil {
		return fmt.Errorf("load follow set: %w", err)
	}
	filters := ComputeFilters(m.kinds, follows, m.limit)
	canonical := CanonicalFilters(filters)
	urlsKey := strings.Join(dedupeSorted(urls), ",")

	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && m.handle != nil && canonical == m.activeFilters && urlsKey == m.activeURLs {
		return nil
	}

	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	if len(urls) == 0 {
		m.activeFilters = ""
		m.activeURLs = ""
		return nil
	}

	m.handle = m.subscriber.Subscribe(ctx, urls, filters, m.handlers)
	m.activeFilters = canonical
	m.activeURLs = urlsKey
	slog.Info("subscription refreshed", "relays", len(urls), "filters", len(filters), "follows", len(follows))
	return nil
}

// Close tears down the active subscription, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	m.activeFilters = ""
	m.activeURLs = ""
}

// ActiveFilters returns the canonical serialization of the live filter set,
// or "" when no subscription is open.
func (m *Manager) ActiveFilters() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeFilters
}

// ComputeFilters builds the active filter set: a baseline filter with no
// author restriction, plus a follow-scoped filter when the follow set is
// non-empty. Authors are normalized to lowercase hex and deduplicated by the
// store before they reach here.
func ComputeFilters(kinds []int, follows []string, limit int) nostr.Filters {
	kindsCopy := append([]int(nil), kinds...)
	sort.Ints(kindsCopy)

	filters := nostr.Filters{{
		Kinds: kindsCopy,
		Limit: limit,
	}}
	if len(follows) > 0 {
		authors := dedupeSorted(follows)
		filters = append(filters, nostr.Filter{
			Kinds:   kindsCopy,
			Authors: authors,
			Limit:   limit,
		})
	}
	return filters
}

// canonicalFilter is the stable key-ordered projection used to compare
// filter sets across refreshes.
type canonicalFilter struct {
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds"`
	Limit   int      `json:"limit"`
}

// CanonicalFilters serializes a filter set into a stable, key-ordered JSON
// form. Two refreshes with unchanged inputs produce identical strings.
func CanonicalFilters(filters nostr.Filters) string {
	out := make([]canonicalFilter, 0, len(filters))
	for _, f := range filters {
		cf := canonicalFilter{
			Authors: dedupeSorted(f.Authors),
			Kinds:   append([]int(nil), f.Kinds...),
			Limit:   f.Limit,
		}
		sort.Ints(cf.Kinds)
		out = append(out, cf)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(raw)
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
