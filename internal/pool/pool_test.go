package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type fakeSub struct {
	events chan *nostr.Event
	eose   chan struct{}
	unsubs atomic.Int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan *nostr.Event, 16),
		eose:   make(chan struct{}, 1),
	}
}

func (s *fakeSub) Events() <-chan *nostr.Event         { return s.events }
func (s *fakeSub) EndOfStoredEvents() <-chan struct{}  { return s.eose }
func (s *fakeSub) Unsub()                              { s.unsubs.Add(1) }

type fakeSession struct {
	url        string
	sub        *fakeSub
	publishErr error
	connected  atomic.Bool
	published  []nostr.Event
	mu         sync.Mutex
}

func newFakeSession(url string) *fakeSession {
	s := &fakeSession{url: url, sub: newFakeSub()}
	s.connected.Store(true)
	return s
}

func (s *fakeSession) Publish(ctx context.Context, ev nostr.Event) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.mu.Lock()
	s.published = append(s.published, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Subscribe(ctx context.Context, filters nostr.Filters) (SessionSub, error) {
	return s.sub, nil
}

func (s *fakeSession) IsConnected() bool { return s.connected.Load() }

func (s *fakeSession) Close() error {
	s.connected.Store(false)
	return nil
}

// fakeTransport dials pre-registered fake sessions.
type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	dialErr  map[string]error
	dials    map[string]int
}

func newFakeTransport(urls ...string) *fakeTransport {
	ft := &fakeTransport{
		sessions: make(map[string]*fakeSession),
		dialErr:  make(map[string]error),
		dials:    make(map[string]int),
	}
	for _, u := range urls {
		ft.sessions[u] = newFakeSession(u)
	}
	return ft
}

func (ft *fakeTransport) dial(ctx context.Context, url string) (Session, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.dials[url]++
	if err := ft.dialErr[url]; err != nil {
		return nil, err
	}
	sess, ok := ft.sessions[url]
	if !ok {
		return nil, errors.New("unknown relay " + url)
	}
	return sess, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testEvent(id string) *nostr.Event {
	return &nostr.Event{ID: id, Kind: 31001, PubKey: "pk", Content: "{}"}
}

func TestConnectReconcilesSessions(t *testing.T) {
	ft := newFakeTransport("wss://a", "wss://b", "wss://c")
	p := New(nil, WithDialer(ft.dial))

	p.Connect(context.Background(), []string{"wss://a", "wss://b"})
	if n := p.ConnectedCount(); n != 2 {
		t.Fatalf("connected = %d, want 2", n)
	}

	// Shrinking the set closes the session that fell out.
	p.Connect(context.Background(), []string{"wss://a", "wss://c"})
	if ft.sessions["wss://b"].IsConnected() {
		t.Error("session for dropped URL must be closed")
	}
	if n := p.ConnectedCount(); n != 2 {
		t.Errorf("connected = %d, want 2 after reconcile", n)
	}
}

func TestSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	ft := newFakeTransport("wss://a", "wss://b")
	p := New(nil, WithDialer(ft.dial))
	urls := []string{"wss://a", "wss://b"}
	p.Connect(context.Background(), urls)

	var mu sync.Mutex
	var got []string
	handle := p.Subscribe(context.Background(), urls, nil, Handlers{
		OnEvent: func(relayURL string, ev *nostr.Event) {
			mu.Lock()
			got = append(got, ev.ID)
			mu.Unlock()
		},
	})
	defer handle.Close()

	// Both relays deliver the same event; one also delivers a unique one.
	ft.sessions["wss://a"].sub.events <- testEvent("dup")
	ft.sessions["wss://b"].sub.events <- testEvent("dup")
	ft.sessions["wss://a"].sub.events <- testEvent("only-a")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, "events not delivered")

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("delivered %v, want exactly [dup only-a] in some order", got)
	}
}

func TestEOSECoalesced(t *testing.T) {
	ft := newFakeTransport("wss://a", "wss://b")
	p := New(nil, WithDialer(ft.dial))
	urls := []string{"wss://a", "wss://b"}
	p.Connect(context.Background(), urls)

	var eose atomic.Int32
	handle := p.Subscribe(context.Background(), urls, nil, Handlers{
		OnEOSE: func() { eose.Add(1) },
	})
	defer handle.Close()

	ft.sessions["wss://a"].sub.eose <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	if n := eose.Load(); n != 0 {
		t.Fatalf("EOSE fired after %d of 2 relays", n)
	}

	ft.sessions["wss://b"].sub.eose <- struct{}{}
	waitFor(t, func() bool { return eose.Load() == 1 }, "EOSE not coalesced")

	time.Sleep(20 * time.Millisecond)
	if n := eose.Load(); n != 1 {
		t.Errorf("EOSE fired %d times, want exactly once", n)
	}
}

func TestPublishOutcome(t *testing.T) {
	ft := newFakeTransport("wss://ok", "wss://reject")
	ft.sessions["wss://reject"].publishErr = errors.New("blocked: rate limited")
	p := New(nil, WithDialer(ft.dial))
	urls := []string{"wss://ok", "wss://reject"}
	p.Connect(context.Background(), urls)

	outcome := p.Publish(context.Background(), urls, *testEvent("ev1"))
	if !outcome.Success() {
		t.Fatal("outcome must succeed when one relay accepts")
	}
	if !outcome.Results["wss://ok"].Accepted {
		t.Error("accepting relay not recorded")
	}
	if !outcome.Results["wss://reject"].Rejected {
		t.Error("rejecting relay not recorded")
	}
}

func TestPublishAllFail(t *testing.T) {
	ft := newFakeTransport("wss://a")
	ft.sessions["wss://a"].publishErr = errors.New("nope")
	p := New(nil, WithDialer(ft.dial))
	p.Connect(context.Background(), []string{"wss://a"})

	outcome := p.Publish(context.Background(), []string{"wss://a"}, *testEvent("ev1"))
	if outcome.Success() {
		t.Error("outcome must fail when every relay rejects")
	}
}

func TestDialFailureEntersBackoff(t *testing.T) {
	ft := newFakeTransport("wss://a")
	ft.dialErr["wss://a"] = errors.New("connection refused")
	p := New(nil, WithDialer(ft.dial))

	p.Connect(context.Background(), []string{"wss://a"})
	if n := p.ConnectedCount(); n != 0 {
		t.Fatalf("connected = %d, want 0", n)
	}

	// Within the backoff window further publishes do not redial.
	dialsAfterConnect := ft.dials["wss://a"]
	outcome := p.Publish(context.Background(), []string{"wss://a"}, *testEvent("ev1"))
	if outcome.Success() {
		t.Error("publish must fail with no session")
	}
	if ft.dials["wss://a"] > dialsAfterConnect+1 {
		t.Errorf("dials = %d, want backoff to suppress immediate retries", ft.dials["wss://a"])
	}
}

func TestTestDialsAndCloses(t *testing.T) {
	ft := newFakeTransport("wss://probe")
	p := New(nil, WithDialer(ft.dial))

	if err := p.Test(context.Background(), "wss://probe"); err != nil {
		t.Fatal(err)
	}
	if ft.sessions["wss://probe"].IsConnected() {
		t.Error("test session must be closed again")
	}
	if n := p.ConnectedCount(); n != 0 {
		t.Errorf("test dial must not join the managed set, connected = %d", n)
	}
}
