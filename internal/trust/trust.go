// Package trust maps author public keys to a trust level and a coarse tier.
// The declaration graph and its rules live outside this runtime; the resolver
// is a deterministic read of the stored levels with a small LRU in front.
package trust

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Tier tags, ordered from most to least trusted. "blocked" sits below
// unverified and marks explicitly distrusted keys.
const (
	TierCore       = "core"
	TierHigh       = "high"
	TierStandard   = "standard"
	TierUnverified = "unverified"
	TierBlocked    = "blocked"
)

// Tiers is the canonical tier set, in display order. Summary recomputation
// iterates it so empty cohorts are deleted deterministically.
var Tiers = []string{TierCore, TierHigh, TierStandard, TierUnverified, TierBlocked}

// Level thresholds for tier derivation.
const (
	levelCore = 80
	levelHigh = 50
	levelStd  = 10
)

// LevelSource reads a declared trust level for a pubkey. *store.Store
// satisfies this interface.
type LevelSource interface {
	TrustLevelFor(pubkey string) (int, error)
}

// Resolver resolves pubkeys to (level, tier) pairs with an LRU cache and
// single-flight deduplication of concurrent lookups for the same key.
type Resolver struct {
	source LevelSource
	cache  *lru.Cache[string, int]
	flight singleflight.Group
}

// NewResolver creates a Resolver caching up to size levels.
func NewResolver(source LevelSource, size int) (*Resolver, error) {
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("trust cache: %w", err)
	}
	return &Resolver{source: source, cache: cache}, nil
}

// Resolve returns the trust level and coarse tier for a pubkey. Callers
// processing one event must call this once and carry the pair through.
func (r *Resolver) Resolve(pubkey string) (int, string, error) {
	if level, ok := r.cache.Get(pubkey); ok {
		return level, Tier(level), nil
	}

	v, err, _ := r.flight.Do(pubkey, func() (any, error) {
		level, err := r.source.TrustLevelFor(pubkey)
		if err != nil {
			return 0, err
		}
		r.cache.Add(pubkey, level)
		return level, nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("resolve trust for %s: %w", pubkey, err)
	}
	level := v.(int)
	return level, Tier(level), nil
}

// Invalidate drops a cached level, forcing the next Resolve to re-read the
// declaration graph. Called when a declaration event for the pubkey arrives.
func (r *Resolver) Invalidate(pubkey string) {
	r.cache.Remove(pubkey)
}

// Tier derives the coarse tier tag from a numeric trust level.
func Tier(level int) string {
	switch {
	case level < 0:
		return TierBlocked
	case level >= levelCore:
		return TierCore
	case level >= levelHigh:
		return TierHigh
	case level >= levelStd:
		return TierStandard
	default:
		return TierUnverified
	}
}
