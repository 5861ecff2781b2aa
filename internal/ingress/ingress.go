// Package ingress validates, deduplicates, persists, and dispatches events
// arriving from the relay subscription.
package ingress

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/text/unicode/norm"

	"gamestr/internal/store"
)

// Routing tables for the supported event kinds.
var kindTables = map[int]string{
	0:     "user_profiles",
	3:     "follow_lists",
	31001: "user_game_annotations",
	31106: "admindeclarations",
	31107: "admin_keypairs",
}

// Retention hints in seconds per kind; unknown kinds keep the default.
const day = int64(24 * 60 * 60)

var kindRetention = map[int]int64{
	0:     30 * day,
	3:     30 * day,
	31001: 120 * day,
	31106: 365 * day,
	31107: 90 * day,
}

const defaultRetention = 14 * day

// IngressStore is the subset of store.Store used by the processor.
type IngressStore interface {
	Enqueue(queue string, ev store.RawEvent, status int, keepFor *int64, routing store.Routing) (bool, error)
	CountByStatus(queue string, status int) (int, error)
}

// RatingIngester receives kind-31001 events for aggregation.
// *rating.Aggregator satisfies this interface.
type RatingIngester interface {
	Ingest(ev *nostr.Event) error
}

// TrustInvalidator drops cached trust levels when a declaration event
// arrives. *trust.Resolver satisfies this interface.
type TrustInvalidator interface {
	Invalidate(pubkey string)
}

// Verifier checks the structural and cryptographic validity of an event.
type Verifier func(ev *nostr.Event) bool

// DefaultVerifier validates the pubkey shape and the Schnorr signature.
func DefaultVerifier(ev *nostr.Event) bool {
	if !nostr.IsValidPublicKey(ev.PubKey) {
		return false
	}
	ok, err := ev.CheckSignature()
	return ok && err == nil
}

// LimitsFunc returns the current resource limits.
type LimitsFunc func() store.ResourceLimits

// Processor runs the per-event ingress contract. Events from one
// subscription are processed serially to keep arrival order stable.
type Processor struct {
	store      IngressStore
	aggregator RatingIngester
	trust      TrustInvalidator
	verify     Verifier
	limits     LimitsFunc
	onIngested func() // stats refresh + status broadcast hook

	mu sync.Mutex // serializes event processing within the subscription

	invalidCount atomic.Int64
	droppedCount atomic.Int64
}

// NewProcessor creates a Processor. verify may be nil to use
// DefaultVerifier; onIngested may be nil.
func NewProcessor(st IngressStore, agg RatingIngester, tr TrustInvalidator, verify Verifier, limits LimitsFunc, onIngested func()) *Processor {
	if verify == nil {
		verify = DefaultVerifier
	}
	return &Processor{
		store:      st,
		aggregator: agg,
		trust:      tr,
		verify:     verify,
		limits:     limits,
		onIngested: onIngested,
	}
}

// InvalidCount returns the number of events rejected by validation.
func (p *Processor) InvalidCount() int64 { return p.invalidCount.Load() }

// DroppedCount returns the number of events dropped by backpressure.
func (p *Processor) DroppedCount() int64 { return p.droppedCount.Load() }

// Handle processes one received event. Matches pool.Handlers.OnEvent.
func (p *Processor) Handle(relayURL string, ev *nostr.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev == nil || ev.ID == "" || !p.verify(ev) {
		p.invalidCount.Add(1)
		if ev != nil {
			slog.Debug("rejected invalid event", "id", ev.ID, "relay", relayURL)
		}
		return
	}

	// Backpressure: refuse new work once the incoming backlog is full.
	backlogMax := p.limits().IncomingBacklogMax
	pending, err := p.store.CountByStatus(store.QueueCacheIn, store.StatusPending)
	if err != nil {
		slog.Error("backlog count failed", "error", err)
		return
	}
	if pending >= backlogMax {
		p.droppedCount.Add(1)
		slog.Warn("incoming backlog full, dropping event", "id", ev.ID, "kind", ev.Kind,
			"backlog", pending, "max", backlogMax)
		return
	}

	keepFor := retentionFor(ev.Kind)
	inserted, err := p.store.Enqueue(store.QueueCacheIn, toRawEvent(ev), store.StatusPending, &keepFor, routingFor(ev))
	if err != nil {
		slog.Error("failed to persist incoming event", "id", ev.ID, "error", err)
		return
	}
	if !inserted {
		// Already ingested from another relay or a prior subscription.
		return
	}

	p.postProcess(ev)

	if p.onIngested != nil {
		p.onIngested()
	}
}

// postProcess runs kind-specific handling after the raw event is persisted.
// Failures are logged but never abort ingestion; the raw event stays in
// cache_in.
func (p *Processor) postProcess(ev *nostr.Event) {
	switch ev.Kind {
	case 31001:
		if p.aggregator == nil {
			return
		}
		if err := p.aggregator.Ingest(ev); err != nil {
			slog.Warn("rating aggregation failed", "id", ev.ID, "error", err)
		}
	case 31106:
		if p.trust == nil {
			return
		}
		// A new declaration may change the trust level of every tagged key.
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "p" {
				p.trust.Invalidate(strings.ToLower(strings.TrimSpace(tag[1])))
			}
		}
	}
}

// routingFor derives the correlation metadata stored with the raw event:
// the kind-mapped table name and the NFC-normalized first "d" tag value.
func routingFor(ev *nostr.Event) store.Routing {
	r := store.Routing{TableName: kindTables[ev.Kind]}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			r.RecordUUID = norm.NFC.String(strings.TrimSpace(tag[1]))
			break
		}
	}
	return r
}

func retentionFor(kind int) int64 {
	if keep, ok := kindRetention[kind]; ok {
		return keep
	}
	return defaultRetention
}

// toRawEvent converts a wire event into its storable form.
func toRawEvent(ev *nostr.Event) store.RawEvent {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		tags = []byte("[]")
	}
	return store.RawEvent{
		ID:        ev.ID,
		Kind:      ev.Kind,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		TagsJSON:  string(tags),
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}
