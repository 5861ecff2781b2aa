// Package runtime is the controller tying the store, relay pool,
// subscription manager, and the ingress/egress pipeline together. It owns
// the externally observable state (mode, relay set, timers) and serializes
// every mutating command.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"gamestr/internal/egress"
	"gamestr/internal/ingress"
	"gamestr/internal/pool"
	"gamestr/internal/rating"
	"gamestr/internal/store"
	"gamestr/internal/subscription"
	"gamestr/internal/trust"
)

// Mode is the runtime's network mode.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Default timer intervals and thresholds.
const (
	DefaultStatusInterval     = 15 * time.Second
	DefaultQueueInterval      = 30 * time.Second
	DefaultFlushInterval      = 10 * time.Second
	DefaultSubRefreshInterval = 10 * time.Minute
	DefaultRecoveryThreshold  = 600 * time.Second
	DefaultShutdownGrace      = 2 * time.Second
	defaultSentWindow         = time.Minute
)

// Broadcaster receives every status snapshot push. *server.StatusBroadcaster
// satisfies this interface; nil disables pushes.
type Broadcaster interface {
	Broadcast(snap StatusSnapshot)
}

// Options configures a Controller. Zero fields take defaults.
type Options struct {
	StatusInterval     time.Duration
	QueueInterval      time.Duration
	FlushInterval      time.Duration
	SubRefreshInterval time.Duration
	RecoveryThreshold  time.Duration
	ShutdownGrace      time.Duration

	// SeedRelays backfill the registry when no read relay matches the
	// category preference.
	SeedRelays []store.Relay

	// Verifier overrides signature verification in tests.
	Verifier ingress.Verifier
}

func (o *Options) applyDefaults() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = DefaultStatusInterval
	}
	if o.QueueInterval <= 0 {
		o.QueueInterval = DefaultQueueInterval
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.SubRefreshInterval <= 0 {
		o.SubRefreshInterval = DefaultSubRefreshInterval
	}
	if o.RecoveryThreshold <= 0 {
		o.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
}

// QueueStats is the egress/ingress queue summary carried in every snapshot.
type QueueStats struct {
	OutgoingPending        int `json:"outgoingPending"`
	OutgoingProcessing     int `json:"outgoingProcessing"`
	OutgoingCompleted      int `json:"outgoingCompleted"`
	OutgoingFailed         int `json:"outgoingFailed"`
	OutgoingSentLastMinute int `json:"outgoingSentLastMinute"`
	IncomingBacklog        int `json:"incomingBacklog"`
}

// RuntimeInfo is the controller-owned state exposed in snapshots.
type RuntimeInfo struct {
	Running                 bool   `json:"running"`
	Background              bool   `json:"background"`
	LastHeartbeat           int64  `json:"lastHeartbeat"`
	LastModeChange          int64  `json:"lastModeChange"`
	StatusIntervalMs        int64  `json:"statusIntervalMs"`
	QueueIntervalMs         int64  `json:"queueIntervalMs"`
	OutgoingFlushIntervalMs int64  `json:"outgoingFlushIntervalMs"`
	SubscriptionRefreshMs   int64  `json:"subscriptionRefreshMs"`
	ConnectedRelays         int    `json:"connectedRelays"`
}

// StatusSnapshot is the full externally visible state, pushed on every
// heartbeat and after every mutating command.
type StatusSnapshot struct {
	Mode            Mode                 `json:"mode"`
	ResourceLimits  store.ResourceLimits `json:"resourceLimits"`
	RelayCategories []string             `json:"relayCategories"`
	Relays          []store.Relay        `json:"relays"`
	PreferredRelays []string             `json:"preferredRelays"`
	ManualFollows   []store.FollowEntry  `json:"manualFollows"`
	QueueStats      QueueStats           `json:"queueStats"`
	Runtime         RuntimeInfo          `json:"runtime"`
	Timestamp       int64                `json:"timestamp"`
	Notes           string               `json:"notes,omitempty"`
}

// PublishRequest is the payload of the publishEvent command.
type PublishRequest struct {
	Event   nostr.Event   `json:"event"`
	Routing store.Routing `json:"routing"`
	KeepFor *int64        `json:"keep_for,omitempty"`
}

// Controller is the single-writer owner of the runtime. Commands take cmdMu
// so persist, recompute, broadcast, and reconcile happen without
// interleaving; reads take only the state mutex.
type Controller struct {
	store       *store.Store
	pool        *pool.Pool
	subs        *subscription.Manager
	processor   *ingress.Processor
	dispatcher  *egress.Dispatcher
	broadcaster Broadcaster
	opts        Options

	cmdMu sync.Mutex

	mu             sync.Mutex
	running        bool
	background     bool
	mode           Mode
	relayURLs      []string
	queueStats     QueueStats
	lastHeartbeat  int64
	lastModeChange int64

	netCtx    context.Context
	netCancel context.CancelFunc
	uiCancel  context.CancelFunc
	timersWG  sync.WaitGroup
}

// poolSubscriber adapts *pool.Pool to the subscription.Subscriber interface.
type poolSubscriber struct {
	pool *pool.Pool
}

func (ps poolSubscriber) Subscribe(ctx context.Context, urls []string, filters nostr.Filters, handlers pool.Handlers) subscription.Handle {
	return ps.pool.Subscribe(ctx, urls, filters, handlers)
}

// NewController wires the pipeline around the store and pool. The ingress
// processor and egress dispatcher are built here so their activity hooks can
// refresh the controller's cached stats.
func NewController(st *store.Store, pl *pool.Pool, agg *rating.Aggregator, resolver *trust.Resolver, bc Broadcaster, opts Options) *Controller {
	opts.applyDefaults()
	c := &Controller{
		store:       st,
		pool:        pl,
		broadcaster: bc,
		opts:        opts,
		mode:        ModeOffline,
	}

	limits := st.GetResourceLimits
	c.processor = ingress.NewProcessor(st, agg, resolver, opts.Verifier, limits, c.noteActivity)
	c.dispatcher = egress.NewDispatcher(st, pl, limits, c.noteActivity)
	c.subs = subscription.NewManager(poolSubscriber{pool: pl}, st, pool.Handlers{
		OnEvent: c.processor.Handle,
		OnEOSE: func() {
			slog.Info("stored-event backfill complete")
		},
	}, nil, 0)
	return c
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start brings the runtime online: recovery sweep, relay connect,
// subscription open, timers armed. Idempotent. After a backgrounded
// shutdown, Start resumes the UI timers and leaves the still-running
// network loop untouched.
func (c *Controller) Start(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	resume := c.background
	c.mu.Unlock()

	if resume {
		c.resume(ctx)
		return nil
	}

	netCtx, netCancel := context.WithCancel(ctx)
	uiCtx, uiCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.netCtx, c.netCancel = netCtx, netCancel
	c.uiCancel = uiCancel
	c.mu.Unlock()

	c.dispatcher.RecoverStale(c.opts.RecoveryThreshold)
	if n, err := c.store.RetentionSweep(time.Now().Unix()); err != nil {
		slog.Warn("retention sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("retention sweep removed expired rows", "count", n)
	}

	if err := c.goOnlineLocked(); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	c.mu.Lock()
	c.running = true
	c.background = false
	c.lastHeartbeat = now
	c.lastModeChange = now
	c.mu.Unlock()

	c.refreshQueueStats()
	c.broadcast("runtime started")

	c.timersWG.Add(2)
	go c.uiTimerLoop(uiCtx)
	go c.netTimerLoop(netCtx)
	return nil
}

// resume re-arms the UI side after a backgrounded shutdown. The network loop
// from the original Start keeps running, so no second flush or refresh
// ticker is spawned. Caller holds cmdMu.
func (c *Controller) resume(ctx context.Context) {
	uiCtx, uiCancel := context.WithCancel(ctx)
	now := time.Now().UnixMilli()
	c.mu.Lock()
	c.uiCancel = uiCancel
	c.running = true
	c.background = false
	c.lastHeartbeat = now
	c.mu.Unlock()

	c.refreshQueueStats()
	c.broadcast("runtime resumed")

	c.timersWG.Add(1)
	go c.uiTimerLoop(uiCtx)
}

// Shutdown stops the runtime. With keepBackground the network side (pool,
// subscription, flush timer) keeps running and only the UI-facing timers
// stop. Idempotent.
func (c *Controller) Shutdown(keepBackground bool) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if !c.running && !c.background {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.background = keepBackground
	c.mu.Unlock()

	if c.uiCancel != nil {
		c.uiCancel()
	}
	if keepBackground {
		slog.Info("runtime backgrounded, network side still active")
		c.broadcast("runtime backgrounded")
		return
	}

	c.subs.Close()
	if c.netCancel != nil {
		c.netCancel()
	}
	// Let an in-progress flush reach a terminal state for its current row.
	deadline := time.Now().Add(c.opts.ShutdownGrace)
	for c.dispatcher.Flushing() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	c.pool.Disconnect()
	c.timersWG.Wait()

	c.mu.Lock()
	c.mode = ModeOffline
	c.relayURLs = nil
	c.mu.Unlock()
	slog.Info("runtime stopped")
}

// SetMode switches between online and offline. Offline closes the
// subscription and disconnects the pool immediately; online reconnects to
// the currently selected relay set and reopens the subscription.
func (c *Controller) SetMode(mode Mode) error {
	if mode != ModeOnline && mode != ModeOffline {
		return fmt.Errorf("unknown mode %q", mode)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	current := c.mode
	c.mu.Unlock()
	if current == mode {
		return nil
	}

	switch mode {
	case ModeOffline:
		c.subs.Close()
		c.pool.Disconnect()
		c.mu.Lock()
		c.mode = ModeOffline
		c.relayURLs = nil
		c.lastModeChange = time.Now().UnixMilli()
		c.mu.Unlock()
	case ModeOnline:
		if err := c.goOnlineLocked(); err != nil {
			return err
		}
		c.mu.Lock()
		c.lastModeChange = time.Now().UnixMilli()
		c.mu.Unlock()
	}

	slog.Info("mode changed", "mode", mode)
	c.refreshQueueStats()
	c.broadcast("mode changed")
	return nil
}

// goOnlineLocked selects the active relays, connects the pool, and refreshes
// the subscription. Caller holds cmdMu.
func (c *Controller) goOnlineLocked() error {
	urls, err := c.store.SelectActiveRelays(c.opts.SeedRelays)
	if err != nil {
		return fmt.Errorf("select active relays: %w", err)
	}

	ctx := c.netContext()
	c.pool.Connect(ctx, urls)
	if err := c.subs.Refresh(ctx, urls, false); err != nil {
		return fmt.Errorf("refresh subscription: %w", err)
	}

	c.mu.Lock()
	c.mode = ModeOnline
	c.relayURLs = urls
	c.mu.Unlock()

	go c.dispatcher.Flush(ctx)
	return nil
}

// netContext returns the network-side context, or Background before the
// first Start.
func (c *Controller) netContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.netCtx == nil {
		return context.Background()
	}
	return c.netCtx
}

// reconcile re-runs relay selection and subscription refresh after a
// mutating command changed their inputs. A no-op while offline.
func (c *Controller) reconcile() {
	c.mu.Lock()
	online := c.mode == ModeOnline
	c.mu.Unlock()
	if !online {
		return
	}
	if err := c.goOnlineLocked(); err != nil {
		slog.Error("reconcile failed", "error", err)
	}
}

// ─── Timers ───────────────────────────────────────────────────────────────────

// uiTimerLoop drives the status heartbeat and queue-stats refresh.
func (c *Controller) uiTimerLoop(ctx context.Context) {
	defer c.timersWG.Done()
	status := time.NewTicker(c.opts.StatusInterval)
	queue := time.NewTicker(c.opts.QueueInterval)
	defer status.Stop()
	defer queue.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			c.mu.Lock()
			c.lastHeartbeat = time.Now().UnixMilli()
			c.mu.Unlock()
			c.broadcast("")
		case <-queue.C:
			c.refreshQueueStats()
		}
	}
}

// netTimerLoop drives the egress flush and the periodic subscription
// refresh. Keeps running in background mode.
func (c *Controller) netTimerLoop(ctx context.Context) {
	defer c.timersWG.Done()
	flush := time.NewTicker(c.opts.FlushInterval)
	refresh := time.NewTicker(c.opts.SubRefreshInterval)
	defer flush.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			c.mu.Lock()
			online := c.mode == ModeOnline
			c.mu.Unlock()
			if online {
				c.dispatcher.Flush(ctx)
			}
		case <-refresh.C:
			c.mu.Lock()
			online := c.mode == ModeOnline
			urls := append([]string(nil), c.relayURLs...)
			c.mu.Unlock()
			if !online {
				continue
			}
			if err := c.subs.Refresh(ctx, urls, false); err != nil {
				slog.Warn("periodic subscription refresh failed", "error", err)
			}
		}
	}
}

// noteActivity is the ingress/egress hook: refresh stats and push a
// snapshot. Runs outside cmdMu.
func (c *Controller) noteActivity() {
	c.refreshQueueStats()
	c.broadcast("")
}

// ─── Relay commands ───────────────────────────────────────────────────────────

// ListRelays returns the registry, optionally filtered.
func (c *Controller) ListRelays(filter store.RelayFilter) ([]store.Relay, error) {
	return c.store.ListRelays(filter)
}

// AddRelay registers a relay and reconciles the active set.
func (c *Controller) AddRelay(r store.Relay) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if r.AddedBy == "" {
		r.AddedBy = store.AddedByUser
	}
	if err := c.store.UpsertRelay(r); err != nil {
		return err
	}
	c.afterMutation("relay added")
	return nil
}

// UpdateRelay patches a relay row and reconciles.
func (c *Controller) UpdateRelay(url string, patch store.RelayPatch) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.UpdateRelay(url, patch); err != nil {
		return err
	}
	c.afterMutation("relay updated")
	return nil
}

// RemoveRelay deletes a relay. System relays require force.
func (c *Controller) RemoveRelay(url string, force bool) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.RemoveRelay(url, force); err != nil {
		return err
	}
	c.afterMutation("relay removed")
	return nil
}

// TestRelay dials a relay outside the managed set and reports the dial
// latency.
func (c *Controller) TestRelay(ctx context.Context, url string) (time.Duration, error) {
	canonical, err := store.CanonicalRelayURL(url)
	if err != nil {
		return 0, err
	}
	started := time.Now()
	if err := c.pool.Test(ctx, canonical); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

// GetCategoryPreference returns the active relay category set.
func (c *Controller) GetCategoryPreference() []string {
	return c.store.GetCategoryPreference()
}

// SetCategoryPreference persists the category set and reconciles.
func (c *Controller) SetCategoryPreference(categories []string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.SetCategoryPreference(categories); err != nil {
		return err
	}
	c.afterMutation("category preference changed")
	return nil
}

// ─── Follow commands ──────────────────────────────────────────────────────────

// GetManualFollows returns the manual follow entries.
func (c *Controller) GetManualFollows() ([]store.FollowEntry, error) {
	return c.store.ListFollows(store.FollowSourceManual)
}

// SetManualFollows replaces the manual follow set and reconciles the
// subscription filters.
func (c *Controller) SetManualFollows(entries []store.FollowEntry) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.SetManualFollows(entries); err != nil {
		return err
	}
	c.afterMutation("manual follows replaced")
	return nil
}

// AddFollow adds one manual follow entry.
func (c *Controller) AddFollow(entry store.FollowEntry) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if entry.Source == "" {
		entry.Source = store.FollowSourceManual
	}
	if err := c.store.AddFollow(entry); err != nil {
		return err
	}
	c.afterMutation("follow added")
	return nil
}

// RemoveFollow removes one manual follow entry.
func (c *Controller) RemoveFollow(pubkey string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.RemoveFollow(pubkey, store.FollowSourceManual); err != nil {
		return err
	}
	c.afterMutation("follow removed")
	return nil
}

// ─── Limits and publish ───────────────────────────────────────────────────────

// GetResourceLimits returns the active limits.
func (c *Controller) GetResourceLimits() store.ResourceLimits {
	return c.store.GetResourceLimits()
}

// SetResourceLimits validates and persists new limits.
func (c *Controller) SetResourceLimits(limits store.ResourceLimits) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.store.SetResourceLimits(limits); err != nil {
		return err
	}
	c.refreshQueueStats()
	c.broadcast("resource limits changed")
	return nil
}

// PublishEvent enqueues a signed event into the outgoing queue and triggers
// an asynchronous flush. The event id is computed from the canonical
// serialization when absent. Never blocks on the network.
func (c *Controller) PublishEvent(req PublishRequest) (string, error) {
	ev := req.Event
	if ev.PubKey == "" || ev.Sig == "" {
		return "", fmt.Errorf("outgoing event must carry pubkey and sig")
	}
	if ev.ID == "" {
		ev.ID = ev.GetID()
	}

	c.cmdMu.Lock()
	raw := store.RawEvent{
		ID:        ev.ID,
		Kind:      ev.Kind,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		TagsJSON:  tagsJSON(ev.Tags),
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
	_, err := c.store.Enqueue(store.QueueCacheOut, raw, store.StatusPending, req.KeepFor, req.Routing)
	c.cmdMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("enqueue outgoing event: %w", err)
	}

	c.refreshQueueStats()
	c.broadcast("")

	go c.dispatcher.Flush(c.netContext())
	return ev.ID, nil
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// GetQueueSnapshot returns recent outgoing rows plus the current counters.
func (c *Controller) GetQueueSnapshot(limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	pending, err := c.store.FetchPage(store.QueueCacheOut, store.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	completed, err := c.store.FetchPage(store.QueueStoreOut, store.StatusDone, limit)
	if err != nil {
		return nil, err
	}
	failed, err := c.store.FetchPage(store.QueueCacheOut, store.StatusFailed, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	stats := c.queueStats
	c.mu.Unlock()
	return map[string]any{
		"stats":     stats,
		"pending":   pending,
		"completed": completed,
		"failed":    failed,
	}, nil
}

// GetStatusSnapshot assembles the full status snapshot from the store and
// controller state.
func (c *Controller) GetStatusSnapshot() StatusSnapshot {
	return c.snapshot("")
}

func (c *Controller) snapshot(notes string) StatusSnapshot {
	relays, err := c.store.ListRelays(store.RelayFilter{})
	if err != nil {
		slog.Error("snapshot relay list failed", "error", err)
	}
	follows, err := c.store.ListFollows(store.FollowSourceManual)
	if err != nil {
		slog.Error("snapshot follow list failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusSnapshot{
		Mode:            c.mode,
		ResourceLimits:  c.store.GetResourceLimits(),
		RelayCategories: c.store.GetCategoryPreference(),
		Relays:          relays,
		PreferredRelays: append([]string(nil), c.relayURLs...),
		ManualFollows:   follows,
		QueueStats:      c.queueStats,
		Runtime: RuntimeInfo{
			Running:                 c.running,
			Background:              c.background,
			LastHeartbeat:           c.lastHeartbeat,
			LastModeChange:          c.lastModeChange,
			StatusIntervalMs:        c.opts.StatusInterval.Milliseconds(),
			QueueIntervalMs:         c.opts.QueueInterval.Milliseconds(),
			OutgoingFlushIntervalMs: c.opts.FlushInterval.Milliseconds(),
			SubscriptionRefreshMs:   c.opts.SubRefreshInterval.Milliseconds(),
			ConnectedRelays:         c.pool.ConnectedCount(),
		},
		Timestamp: time.Now().UnixMilli(),
		Notes:     notes,
	}
}

// refreshQueueStats recounts the queue counters from the store.
func (c *Controller) refreshQueueStats() {
	stats := QueueStats{}
	counters := []struct {
		dst    *int
		queue  string
		status int
	}{
		{&stats.OutgoingPending, store.QueueCacheOut, store.StatusPending},
		{&stats.OutgoingProcessing, store.QueueCacheOut, store.StatusInFlight},
		{&stats.OutgoingFailed, store.QueueCacheOut, store.StatusFailed},
		{&stats.IncomingBacklog, store.QueueCacheIn, store.StatusPending},
	}
	for _, ctr := range counters {
		n, err := c.store.CountByStatus(ctr.queue, ctr.status)
		if err != nil {
			slog.Error("queue stat refresh failed", "queue", ctr.queue, "error", err)
			return
		}
		*ctr.dst = n
	}
	if n, err := c.store.CountQueue(store.QueueStoreOut); err == nil {
		stats.OutgoingCompleted = n
	}
	since := time.Now().Add(-defaultSentWindow).Unix()
	if n, err := c.store.CountProcessedSince(store.QueueStoreOut, since); err == nil {
		stats.OutgoingSentLastMinute = n
	}

	c.mu.Lock()
	c.queueStats = stats
	c.mu.Unlock()
}

// afterMutation runs the persist-then-reconcile tail shared by the mutating
// commands: stats refresh, snapshot push, network reconcile. Caller holds
// cmdMu and has already persisted.
func (c *Controller) afterMutation(notes string) {
	c.refreshQueueStats()
	c.broadcast(notes)
	c.reconcile()
}

func (c *Controller) broadcast(notes string) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Broadcast(c.snapshot(notes))
}

func tagsJSON(tags nostr.Tags) string {
	raw, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
