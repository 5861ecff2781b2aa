// Package pool maintains websocket sessions to the currently selected relay
// set and offers the publish and subscribe primitives the runtime is built
// on. Sessions are dialed through an injected factory so the pool is fully
// unit-testable with a fake transport.
package pool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

// Session is one live relay connection.
type Session interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters) (SessionSub, error)
	IsConnected() bool
	Close() error
}

// SessionSub is one open subscription on a single session.
type SessionSub interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Unsub()
}

// Dialer opens a session to a relay URL.
type Dialer func(ctx context.Context, url string) (Session, error)

// HealthRecorder receives terminal publish/connect outcomes per relay.
// *store.Store satisfies this interface.
type HealthRecorder interface {
	RecordRelaySuccess(url string) error
	RecordRelayFailure(url string) error
}

// Reconnect backoff bounds. Full jitter: each wait is uniform in
// [0, min(cap, base·2^attempt)].
const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

const defaultPublishTimeout = 7 * time.Second

// Pool manages sessions to exactly the set of URLs the controller requests.
type Pool struct {
	dialer         Dialer
	health         HealthRecorder
	publishTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]Session
	backoffs map[string]*backoffState
	urls     []string
}

type backoffState struct {
	failures    int
	nextAttempt time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the default go-nostr dialer. Used by tests to inject a
// fake transport.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithPublishTimeout overrides the per-relay publish deadline.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Pool) { p.publishTimeout = d }
}

// New creates a Pool reporting terminal outcomes to health (may be nil).
func New(health HealthRecorder, opts ...Option) *Pool {
	p := &Pool{
		dialer:         dialRelay,
		health:         health,
		publishTimeout: defaultPublishTimeout,
		sessions:       make(map[string]Session),
		backoffs:       make(map[string]*backoffState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect reconciles the live session set against urls: sessions for URLs no
// longer listed are closed and discarded, new URLs are dialed concurrently.
// Dial failures are not fatal; the per-URL backoff governs retries on the
// next use.
func (p *Pool) Connect(ctx context.Context, urls []string) {
	p.mu.Lock()
	p.urls = append([]string(nil), urls...)
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		want[u] = struct{}{}
	}
	for url, sess := range p.sessions {
		if _, keep := want[url]; !keep {
			slog.Info("closing relay session", "relay", url)
			sess.Close()
			delete(p.sessions, url)
			delete(p.backoffs, url)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, url := range urls {
		url := url
		g.Go(func() error {
			if _, err := p.ensureSession(ctx, url); err != nil {
				slog.Warn("initial relay connect failed", "relay", url, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Disconnect closes every session. Backoff state is cleared so a later
// Connect starts fresh.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, sess := range p.sessions {
		sess.Close()
		delete(p.sessions, url)
	}
	p.backoffs = make(map[string]*backoffState)
	p.urls = nil
}

// ConnectedCount returns the number of currently live sessions.
func (p *Pool) ConnectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sess := range p.sessions {
		if sess.IsConnected() {
			n++
		}
	}
	return n
}

// URLs returns the URL set of the last Connect call.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

// Test dials a relay outside the managed set and closes the session again.
// Used by the connectivity-test command.
func (p *Pool) Test(ctx context.Context, url string) error {
	sess, err := p.dialer(ctx, url)
	if err != nil {
		return err
	}
	return sess.Close()
}

// ensureSession returns a live session for the URL, dialing on demand. A URL
// inside its backoff window returns the previous dial error class without
// touching the network.
func (p *Pool) ensureSession(ctx context.Context, url string) (Session, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[url]; ok && sess.IsConnected() {
		p.mu.Unlock()
		return sess, nil
	}
	bo := p.backoffs[url]
	if bo != nil && time.Now().Before(bo.nextAttempt) {
		p.mu.Unlock()
		return nil, errBackingOff{url: url, until: bo.nextAttempt}
	}
	p.mu.Unlock()

	sess, err := p.dialer(ctx, url)
	if err != nil {
		p.noteFailure(url)
		if p.health != nil {
			p.health.RecordRelayFailure(url)
		}
		return nil, err
	}

	p.mu.Lock()
	if old, ok := p.sessions[url]; ok {
		old.Close()
	}
	p.sessions[url] = sess
	p.mu.Unlock()
	slog.Debug("relay session established", "relay", url)
	return sess, nil
}

// noteFailure advances the URL's backoff window with full jitter.
func (p *Pool) noteFailure(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bo := p.backoffs[url]
	if bo == nil {
		bo = &backoffState{}
		p.backoffs[url] = bo
	}
	ceiling := backoffBase << bo.failures
	if ceiling > backoffCap || ceiling <= 0 {
		ceiling = backoffCap
	}
	bo.failures++
	bo.nextAttempt = time.Now().Add(time.Duration(rand.Int63n(int64(ceiling) + 1)))
}

// resetBackoff clears the URL's failure streak. Called on a successful
// subscribe or any received event.
func (p *Pool) resetBackoff(url string) {
	p.mu.Lock()
	delete(p.backoffs, url)
	p.mu.Unlock()
}

type errBackingOff struct {
	url   string
	until time.Time
}

func (e errBackingOff) Error() string {
	return "relay " + e.url + " backing off until " + e.until.Format(time.RFC3339)
}

// ─── Subscribe ────────────────────────────────────────────────────────────────

// Handlers receive subscription callbacks. OnEvent sees each event id at
// most once per subscription regardless of how many relays deliver it;
// OnEOSE fires once, when the last URL reports end-of-stored-events.
type Handlers struct {
	OnEvent func(relayURL string, ev *nostr.Event)
	OnEOSE  func()
}

// SubscriptionHandle identifies one logical subscription across a URL set.
type SubscriptionHandle struct {
	ID     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Close cancels the subscription and waits for its relay loops to exit.
func (h *SubscriptionHandle) Close() {
	h.cancel()
	h.wg.Wait()
}

// Subscribe opens one logical subscription with the given filters across all
// URLs. Each URL runs its own resubscribe loop with backoff; the handle
// closes them all.
func (p *Pool) Subscribe(ctx context.Context, urls []string, filters nostr.Filters, handlers Handlers) *SubscriptionHandle {
	subCtx, cancel := context.WithCancel(ctx)
	handle := &SubscriptionHandle{ID: uuid.NewString(), cancel: cancel}

	seen := make(map[string]struct{})
	var seenMu sync.Mutex
	var eoseOnce sync.Once
	eosePending := len(urls)
	var eoseMu sync.Mutex

	reportEOSE := func() {
		eoseMu.Lock()
		eosePending--
		done := eosePending <= 0
		eoseMu.Unlock()
		if done && handlers.OnEOSE != nil {
			eoseOnce.Do(handlers.OnEOSE)
		}
	}

	for _, url := range urls {
		handle.wg.Add(1)
		go func(url string) {
			defer handle.wg.Done()
			p.subscribeLoop(subCtx, url, filters, handlers, seen, &seenMu, reportEOSE)
		}(url)
	}
	slog.Debug("subscription opened", "id", handle.ID, "relays", len(urls))
	return handle
}

// subscribeLoop keeps one URL subscribed until the context is cancelled,
// redialing with backoff when the session or subscription drops.
func (p *Pool) subscribeLoop(ctx context.Context, url string, filters nostr.Filters, handlers Handlers,
	seen map[string]struct{}, seenMu *sync.Mutex, reportEOSE func()) {

	eoseReported := false
	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := p.ensureSession(ctx, url)
		if err != nil {
			if !sleepCtx(ctx, backoffBase) {
				return
			}
			continue
		}

		sub, err := sess.Subscribe(ctx, filters)
		if err != nil {
			slog.Warn("subscribe failed", "relay", url, "error", err)
			p.noteFailure(url)
			if !sleepCtx(ctx, backoffBase) {
				return
			}
			continue
		}
		p.resetBackoff(url)

		if p.consumeSub(ctx, url, sub, handlers, seen, seenMu, reportEOSE, &eoseReported) {
			return
		}
		// Subscription dropped; loop and resubscribe.
	}
}

// consumeSub drains one SessionSub. Returns true when the context ended.
func (p *Pool) consumeSub(ctx context.Context, url string, sub SessionSub, handlers Handlers,
	seen map[string]struct{}, seenMu *sync.Mutex, reportEOSE func(), eoseReported *bool) bool {

	defer sub.Unsub()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-sub.EndOfStoredEvents():
			if !*eoseReported {
				*eoseReported = true
				reportEOSE()
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			if ev == nil {
				continue
			}
			p.resetBackoff(url)

			seenMu.Lock()
			_, dup := seen[ev.ID]
			if !dup {
				seen[ev.ID] = struct{}{}
			}
			seenMu.Unlock()
			if dup {
				continue
			}
			if handlers.OnEvent != nil {
				handlers.OnEvent(url, ev)
			}
		}
	}
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// PublishResult is the terminal outcome of one relay's publish attempt.
type PublishResult struct {
	Accepted bool   `json:"accepted"`
	Rejected bool   `json:"rejected"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// PublishOutcome records the per-URL results of a broadcast.
type PublishOutcome struct {
	Results map[string]PublishResult `json:"results"`
}

// Success reports whether at least one relay accepted the event.
func (o PublishOutcome) Success() bool {
	for _, r := range o.Results {
		if r.Accepted {
			return true
		}
	}
	return false
}

// Publish broadcasts an event to all given URLs concurrently and resolves
// when every relay has reached a terminal outcome. Callers must be
// idempotent: a cancelled publish may still reach relays.
func (p *Pool) Publish(ctx context.Context, urls []string, ev nostr.Event) PublishOutcome {
	outcome := PublishOutcome{Results: make(map[string]PublishResult, len(urls))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			res := p.publishOne(ctx, url, ev)
			mu.Lock()
			outcome.Results[url] = res
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return outcome
}

func (p *Pool) publishOne(ctx context.Context, url string, ev nostr.Event) PublishResult {
	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	sess, err := p.ensureSession(pubCtx, url)
	if err != nil {
		return PublishResult{Error: err.Error()}
	}

	if err := sess.Publish(pubCtx, ev); err != nil {
		p.noteFailure(url)
		if p.health != nil {
			p.health.RecordRelayFailure(url)
		}
		if pubCtx.Err() != nil {
			return PublishResult{TimedOut: true, Error: err.Error()}
		}
		return PublishResult{Rejected: true, Error: err.Error()}
	}

	p.resetBackoff(url)
	if p.health != nil {
		p.health.RecordRelaySuccess(url)
	}
	return PublishResult{Accepted: true}
}

// sleepCtx sleeps for d or until ctx ends. Returns false when ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
