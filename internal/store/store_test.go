package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id string) RawEvent {
	return RawEvent{
		ID:        id,
		Kind:      31001,
		PubKey:    "a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1",
		CreatedAt: 1700000000,
		TagsJSON:  `[["d","rec-1"]]`,
		Content:   `{"gameid":"g1"}`,
		Sig:       "deadbeef",
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := openTestStore(t)

	inserted, err := s.Enqueue(QueueCacheIn, testEvent("ev1"), StatusPending, nil, Routing{})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Enqueue(QueueCacheIn, testEvent("ev1"), StatusPending, nil, Routing{})
	require.NoError(t, err)
	require.False(t, inserted, "second insert of the same (queue, id) must be a no-op")

	n, err := s.CountQueue(QueueCacheIn)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSameIDInDifferentQueues(t *testing.T) {
	s := openTestStore(t)

	for _, queue := range []string{QueueCacheIn, QueueCacheOut} {
		inserted, err := s.Enqueue(queue, testEvent("ev1"), StatusPending, nil, Routing{})
		require.NoError(t, err)
		require.True(t, inserted, "queue %s", queue)
	}
}

func TestMoveConservation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Enqueue(QueueCacheOut, testEvent("ev1"), StatusDone, nil, Routing{})
	require.NoError(t, err)

	require.NoError(t, s.Move(QueueCacheOut, QueueStoreOut, "ev1"))

	src, err := s.CountQueue(QueueCacheOut)
	require.NoError(t, err)
	dst, err := s.CountQueue(QueueStoreOut)
	require.NoError(t, err)
	require.Equal(t, 0, src)
	require.Equal(t, 1, dst, "the row exists in exactly one queue after move")

	require.Error(t, s.Move(QueueCacheOut, QueueStoreOut, "ev1"), "moving a missing row must fail")
}

func TestUpdateStatusStampsProcAt(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Enqueue(QueueCacheOut, testEvent("ev1"), StatusPending, nil, Routing{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(QueueCacheOut, "ev1", StatusInFlight))

	rows, err := s.ListByStatus(QueueCacheOut, StatusInFlight, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ProcAt)
}

func TestDemoteStaleInFlight(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Enqueue(QueueCacheOut, testEvent("stale"), StatusInFlight, nil, Routing{})
	require.NoError(t, err)

	// Cutoff in the future makes every in-flight row stale.
	n, err := s.DemoteStaleInFlight(QueueCacheOut, 9999999999)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.CountByStatus(QueueCacheOut, StatusPending)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestListByStatusFIFOWithinSameSecond(t *testing.T) {
	s := openTestStore(t)

	// Ids sort backwards relative to insertion, and all three rows land
	// within the same wall-clock second.
	ids := []string{"zz", "mm", "aa"}
	for _, id := range ids {
		_, err := s.Enqueue(QueueCacheOut, testEvent(id), StatusPending, nil, Routing{})
		require.NoError(t, err)
	}

	rows, err := s.ListByStatus(QueueCacheOut, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, id := range ids {
		require.Equal(t, id, rows[i].ID, "row %d out of insertion order", i)
	}
}

func TestQueueOrderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	_, err = s.Enqueue(QueueCacheOut, testEvent("zz"), StatusPending, nil, Routing{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	_, err = s.Enqueue(QueueCacheOut, testEvent("aa"), StatusPending, nil, Routing{})
	require.NoError(t, err)

	rows, err := s.ListByStatus(QueueCacheOut, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "zz", rows[0].ID, "pre-restart row must keep its place at the head")
	require.Equal(t, "aa", rows[1].ID)
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.GetKV("missing")
	require.False(t, ok)

	require.NoError(t, s.SetKV("k", "v1"))
	require.NoError(t, s.SetKV("k", "v2"))

	v, ok := s.GetKV("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestResourceLimitsPersistence(t *testing.T) {
	s := openTestStore(t)

	require.Equal(t, DefaultResourceLimits(), s.GetResourceLimits())

	limits := ResourceLimits{
		OutgoingPerMinute:        5,
		MessageRateUnits:         100,
		MessageRateWindowSeconds: 30,
		IncomingBacklogMax:       50,
	}
	require.NoError(t, s.SetResourceLimits(limits))
	require.Equal(t, limits, s.GetResourceLimits())

	limits.OutgoingPerMinute = 0
	require.Error(t, s.SetResourceLimits(limits), "non-positive limits must be rejected")
}
