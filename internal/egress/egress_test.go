package egress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"gamestr/internal/pool"
	"gamestr/internal/store"
)

// fakeQueueStore is an in-memory stand-in for the raw-events table.
type fakeQueueStore struct {
	mu   sync.Mutex
	rows map[string]*store.RawEvent // key queue|id
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{rows: make(map[string]*store.RawEvent)}
}

func rowKey(queue, id string) string { return queue + "|" + id }

func (f *fakeQueueStore) add(queue string, ev store.RawEvent, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ProcStatus = status
	f.rows[rowKey(queue, ev.ID)] = &ev
}

func (f *fakeQueueStore) ListByStatus(queue string, status, limit int) ([]store.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RawEvent
	for key, row := range f.rows {
		if len(out) >= limit {
			break
		}
		if key == rowKey(queue, row.ID) && row.ProcStatus == status {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeQueueStore) UpdateStatus(queue, id string, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(queue, id)]
	if !ok {
		return fmt.Errorf("row %s/%s not found", queue, id)
	}
	row.ProcStatus = status
	now := time.Now().Unix()
	row.ProcAt = &now
	return nil
}

func (f *fakeQueueStore) Move(srcQueue, dstQueue, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(srcQueue, id)]
	if !ok {
		return fmt.Errorf("row %s/%s not found", srcQueue, id)
	}
	delete(f.rows, rowKey(srcQueue, id))
	f.rows[rowKey(dstQueue, id)] = row
	return nil
}

func (f *fakeQueueStore) DemoteStaleInFlight(queue string, olderThan int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, row := range f.rows {
		if key != rowKey(queue, row.ID) || row.ProcStatus != store.StatusInFlight {
			continue
		}
		if row.ProcAt == nil || *row.ProcAt < olderThan {
			row.ProcStatus = store.StatusPending
			n++
		}
	}
	return n, nil
}

func (f *fakeQueueStore) count(queue string, status int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, row := range f.rows {
		if key == rowKey(queue, row.ID) && row.ProcStatus == status {
			n++
		}
	}
	return n
}

// fakePublisher accepts or rejects everything.
type fakePublisher struct {
	urls      []string
	connected int
	accept    bool

	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, urls []string, ev nostr.Event) pool.PublishOutcome {
	f.mu.Lock()
	f.published = append(f.published, ev.ID)
	f.mu.Unlock()
	results := make(map[string]pool.PublishResult, len(urls))
	for _, u := range urls {
		results[u] = pool.PublishResult{Accepted: f.accept, Rejected: !f.accept}
	}
	return pool.PublishOutcome{Results: results}
}

func (f *fakePublisher) URLs() []string      { return f.urls }
func (f *fakePublisher) ConnectedCount() int { return f.connected }

func signedEvent(id string) store.RawEvent {
	return store.RawEvent{
		ID:        id,
		Kind:      31001,
		PubKey:    "pk",
		CreatedAt: 1700000000,
		TagsJSON:  "[]",
		Content:   "{}",
		Sig:       "sig",
	}
}

func limitsFunc(limits store.ResourceLimits) LimitsFunc {
	return func() store.ResourceLimits { return limits }
}

func defaultLimits() store.ResourceLimits {
	return store.ResourceLimits{
		OutgoingPerMinute:        5,
		MessageRateUnits:         1000,
		MessageRateWindowSeconds: 60,
		IncomingBacklogMax:       500,
	}
}

func TestFlushPublishesAndArchives(t *testing.T) {
	st := newFakeQueueStore()
	for _, id := range []string{"a", "b", "c"} {
		st.add(store.QueueCacheOut, signedEvent(id), store.StatusPending)
	}
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: true}

	flushed := 0
	d := NewDispatcher(st, pub, limitsFunc(defaultLimits()), func() { flushed++ })
	stats := d.Flush(context.Background())

	if stats.Published != 3 {
		t.Fatalf("published = %d, want 3", stats.Published)
	}
	if n := st.count(store.QueueCacheOut, store.StatusPending); n != 0 {
		t.Errorf("cache_out pending = %d, want 0", n)
	}
	if n := st.count(store.QueueStoreOut, store.StatusDone); n != 3 {
		t.Errorf("store_out done = %d, want 3", n)
	}
	if flushed != 1 {
		t.Errorf("onFlushed calls = %d, want 1", flushed)
	}
}

func TestFlushThrottlesWhenCreditsExhausted(t *testing.T) {
	st := newFakeQueueStore()
	for i := 0; i < 10; i++ {
		st.add(store.QueueCacheOut, signedEvent(fmt.Sprintf("ev%d", i)), store.StatusPending)
	}
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: true}

	limits := defaultLimits()
	limits.OutgoingPerMinute = 10
	limits.MessageRateUnits = 2 // each small event costs 1 credit
	d := NewDispatcher(st, pub, limitsFunc(limits), nil)

	stats := d.Flush(context.Background())
	if stats.Published != 2 {
		t.Fatalf("published = %d, want 2", stats.Published)
	}
	if !stats.Throttled {
		t.Error("flush must report the armed throttle")
	}
	if n := st.count(store.QueueCacheOut, store.StatusPending); n != 8 {
		t.Errorf("cache_out pending = %d, want 8", n)
	}
	until := d.ThrottledUntil()
	if until.Before(time.Now().Add(50 * time.Second)) {
		t.Errorf("throttle window too short: %v", time.Until(until))
	}

	// The next flush inside the window is a no-op.
	stats = d.Flush(context.Background())
	if stats.Published != 0 || !stats.Throttled {
		t.Errorf("flush during throttle = %+v, want throttled no-op", stats)
	}
}

func TestFlushMarksUnsignedFailed(t *testing.T) {
	st := newFakeQueueStore()
	ev := signedEvent("nosig")
	ev.Sig = ""
	st.add(store.QueueCacheOut, ev, store.StatusPending)
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: true}

	d := NewDispatcher(st, pub, limitsFunc(defaultLimits()), nil)
	stats := d.Flush(context.Background())

	if stats.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stats.Failed)
	}
	if n := st.count(store.QueueCacheOut, store.StatusFailed); n != 1 {
		t.Errorf("cache_out failed = %d, want 1 (terminal)", n)
	}
	if len(pub.published) != 0 {
		t.Error("unsigned events must never reach the network")
	}
}

func TestFlushRevertsOnPublishFailure(t *testing.T) {
	st := newFakeQueueStore()
	st.add(store.QueueCacheOut, signedEvent("ev1"), store.StatusPending)
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: false}

	d := NewDispatcher(st, pub, limitsFunc(defaultLimits()), nil)
	stats := d.Flush(context.Background())

	if stats.Published != 0 {
		t.Fatalf("published = %d, want 0", stats.Published)
	}
	if n := st.count(store.QueueCacheOut, store.StatusPending); n != 1 {
		t.Errorf("cache_out pending = %d, want 1 (row reverts for retry)", n)
	}
}

func TestFlushSkipsWithoutConnection(t *testing.T) {
	st := newFakeQueueStore()
	st.add(store.QueueCacheOut, signedEvent("ev1"), store.StatusPending)
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 0, accept: true}

	d := NewDispatcher(st, pub, limitsFunc(defaultLimits()), nil)
	stats := d.Flush(context.Background())

	if stats.Published != 0 {
		t.Errorf("published = %d, want 0 with no connection", stats.Published)
	}
	if n := st.count(store.QueueCacheOut, store.StatusPending); n != 1 {
		t.Errorf("cache_out pending = %d, want 1", n)
	}
}

func TestRecoverStaleDemotesInFlight(t *testing.T) {
	st := newFakeQueueStore()
	old := time.Now().Add(-time.Hour).Unix()
	ev := signedEvent("stuck")
	ev.ProcAt = &old
	st.add(store.QueueCacheOut, ev, store.StatusInFlight)

	fresh := signedEvent("active")
	now := time.Now().Unix()
	fresh.ProcAt = &now
	st.add(store.QueueCacheOut, fresh, store.StatusInFlight)

	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: true}
	d := NewDispatcher(st, pub, limitsFunc(defaultLimits()), nil)
	d.RecoverStale(600 * time.Second)

	if n := st.count(store.QueueCacheOut, store.StatusPending); n != 1 {
		t.Errorf("pending after sweep = %d, want 1 (only the stale row)", n)
	}
	if n := st.count(store.QueueCacheOut, store.StatusInFlight); n != 1 {
		t.Errorf("in-flight after sweep = %d, want 1", n)
	}
}

func TestCreditWindowTrims(t *testing.T) {
	st := newFakeQueueStore()
	pub := &fakePublisher{urls: []string{"wss://a"}, connected: 1, accept: true}

	limits := defaultLimits()
	limits.MessageRateWindowSeconds = 1
	d := NewDispatcher(st, pub, limitsFunc(limits), nil)

	st.add(store.QueueCacheOut, signedEvent("ev1"), store.StatusPending)
	if stats := d.Flush(context.Background()); stats.Published != 1 {
		t.Fatalf("published = %d, want 1", stats.Published)
	}
	if d.CreditsUsed() == 0 {
		t.Fatal("credits not recorded")
	}

	d.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if used := d.CreditsUsed(); used != 0 {
		t.Errorf("credits after window = %d, want 0", used)
	}
}
