// Package egress drains the outgoing event queue under the configured rate
// limits, publishing through the relay pool and archiving accepted events.
package egress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"gamestr/internal/pool"
	"gamestr/internal/store"
)

// unitSize is the serialized-byte cost of one rate credit. An event always
// costs at least one unit.
const unitSize = 256

// throttleCooldown is how long the dispatcher pauses once the credit budget
// for the window is exhausted.
const throttleCooldown = 60 * time.Second

// EgressStore is the subset of store.Store used by the dispatcher.
type EgressStore interface {
	ListByStatus(queue string, status, limit int) ([]store.RawEvent, error)
	UpdateStatus(queue, id string, status int) error
	Move(srcQueue, dstQueue, id string) error
	DemoteStaleInFlight(queue string, olderThan int64) (int, error)
}

// Publisher broadcasts events across the active relay set.
// *pool.Pool satisfies this interface.
type Publisher interface {
	Publish(ctx context.Context, urls []string, ev nostr.Event) pool.PublishOutcome
	URLs() []string
	ConnectedCount() int
}

// LimitsFunc returns the current resource limits.
type LimitsFunc func() store.ResourceLimits

// FlushStats summarizes one flush cycle.
type FlushStats struct {
	Published int
	Failed    int
	Deferred  int
	Throttled bool
}

type creditEntry struct {
	at    time.Time
	units int
}

// Dispatcher owns the cache_out → store_out pipeline. At most one flush runs
// at a time; the credit window is in-memory only and advisory.
type Dispatcher struct {
	store     EgressStore
	publisher Publisher
	limits    LimitsFunc
	onFlushed func() // stats refresh + status broadcast hook
	now       func() time.Time

	mu            sync.Mutex
	flushing      bool
	throttleUntil time.Time
	credits       []creditEntry
}

// NewDispatcher creates a Dispatcher. onFlushed may be nil.
func NewDispatcher(st EgressStore, publisher Publisher, limits LimitsFunc, onFlushed func()) *Dispatcher {
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		limits:    limits,
		onFlushed: onFlushed,
		now:       time.Now,
	}
}

// RecoverStale demotes in-flight rows older than the threshold back to
// pending. Run once at startup so rows stranded by a crash or shutdown are
// retried.
func (d *Dispatcher) RecoverStale(threshold time.Duration) {
	cutoff := d.now().Add(-threshold).Unix()
	n, err := d.store.DemoteStaleInFlight(store.QueueCacheOut, cutoff)
	if err != nil {
		slog.Error("in-flight recovery sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("recovered stale in-flight outgoing rows", "count", n, "threshold", threshold)
	}
}

// Flushing reports whether a flush cycle is currently running. The shutdown
// path polls this during the grace period.
func (d *Dispatcher) Flushing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushing
}

// ThrottledUntil returns the end of the current throttle window, or the zero
// time when no throttle is armed.
func (d *Dispatcher) ThrottledUntil() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.throttleUntil
}

// CreditsUsed returns the credits consumed inside the current rate window.
func (d *Dispatcher) CreditsUsed() int {
	limits := d.limits()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trimCreditsLocked(limits)
	total := 0
	for _, c := range d.credits {
		total += c.units
	}
	return total
}

// Flush runs one drain cycle over the pending cache_out rows. It exits early
// when another flush is running, no relay is connected, or a throttle is
// armed. Rows are published in insertion order.
func (d *Dispatcher) Flush(ctx context.Context) FlushStats {
	limits := d.limits()

	d.mu.Lock()
	if d.flushing || d.now().Before(d.throttleUntil) {
		d.mu.Unlock()
		return FlushStats{Throttled: d.now().Before(d.throttleUntil)}
	}
	d.flushing = true
	d.trimCreditsLocked(limits)
	used := 0
	for _, c := range d.credits {
		used += c.units
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
	}()

	urls := d.publisher.URLs()
	if len(urls) == 0 || d.publisher.ConnectedCount() == 0 {
		return FlushStats{}
	}

	rows, err := d.store.ListByStatus(store.QueueCacheOut, store.StatusPending, limits.OutgoingPerMinute)
	if err != nil {
		slog.Error("failed to load outgoing queue", "error", err)
		return FlushStats{}
	}

	var stats FlushStats
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}

		ev, err := reconstructEvent(row)
		if err != nil || row.Sig == "" {
			// Unsignable rows are terminal; nothing downstream can fix them.
			slog.Warn("outgoing event unusable, marking failed", "id", row.ID, "error", err)
			if err := d.store.UpdateStatus(store.QueueCacheOut, row.ID, store.StatusFailed); err != nil {
				slog.Error("failed to mark row failed", "id", row.ID, "error", err)
			}
			stats.Failed++
			continue
		}

		units := creditCost(ev)
		if used+units > limits.MessageRateUnits {
			until := d.now().Add(throttleCooldown)
			d.mu.Lock()
			d.throttleUntil = until
			d.mu.Unlock()
			stats.Throttled = true
			stats.Deferred = len(rows) - stats.Published - stats.Failed
			slog.Info("outgoing rate window exhausted, throttling",
				"used", used, "next_cost", units, "budget", limits.MessageRateUnits, "until", until)
			break
		}

		if err := d.store.UpdateStatus(store.QueueCacheOut, row.ID, store.StatusInFlight); err != nil {
			slog.Error("failed to mark row in-flight", "id", row.ID, "error", err)
			continue
		}

		outcome := d.publisher.Publish(ctx, urls, ev)
		if !outcome.Success() {
			slog.Warn("publish failed on all relays, will retry", "id", row.ID, "relays", len(urls))
			if err := d.store.UpdateStatus(store.QueueCacheOut, row.ID, store.StatusPending); err != nil {
				slog.Error("failed to revert row to pending", "id", row.ID, "error", err)
			}
			continue
		}

		if err := d.store.UpdateStatus(store.QueueCacheOut, row.ID, store.StatusDone); err != nil {
			slog.Error("failed to mark row done", "id", row.ID, "error", err)
			continue
		}
		if err := d.store.Move(store.QueueCacheOut, store.QueueStoreOut, row.ID); err != nil {
			slog.Error("failed to archive published row", "id", row.ID, "error", err)
			continue
		}

		used += units
		d.mu.Lock()
		d.credits = append(d.credits, creditEntry{at: d.now(), units: units})
		d.mu.Unlock()
		stats.Published++
		slog.Debug("published outgoing event", "id", row.ID, "kind", row.Kind, "units", units)
	}

	if (stats.Published > 0 || stats.Failed > 0) && d.onFlushed != nil {
		d.onFlushed()
	}
	return stats
}

// trimCreditsLocked drops credit entries older than the rate window.
// Must be called with d.mu held.
func (d *Dispatcher) trimCreditsLocked(limits store.ResourceLimits) {
	cutoff := d.now().Add(-time.Duration(limits.MessageRateWindowSeconds) * time.Second)
	keep := d.credits[:0]
	for _, c := range d.credits {
		if c.at.After(cutoff) {
			keep = append(keep, c)
		}
	}
	d.credits = keep
}

// creditCost returns the rate-credit cost of an event: one credit per
// unitSize serialized bytes, minimum one.
func creditCost(ev nostr.Event) int {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 1
	}
	units := (len(raw) + unitSize - 1) / unitSize
	if units < 1 {
		units = 1
	}
	return units
}

// reconstructEvent rebuilds the wire event from a stored row.
func reconstructEvent(row store.RawEvent) (nostr.Event, error) {
	var tags nostr.Tags
	if row.TagsJSON != "" {
		if err := json.Unmarshal([]byte(row.TagsJSON), &tags); err != nil {
			return nostr.Event{}, err
		}
	}
	return nostr.Event{
		ID:        row.ID,
		Kind:      row.Kind,
		PubKey:    row.PubKey,
		CreatedAt: nostr.Timestamp(row.CreatedAt),
		Tags:      tags,
		Content:   row.Content,
		Sig:       row.Sig,
	}, nil
}
