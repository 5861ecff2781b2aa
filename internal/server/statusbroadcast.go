package server

import (
	"sync"

	"gamestr/internal/runtime"
)

const statusBufSize = 50

// StatusBroadcaster keeps a ring buffer of recent status snapshots and fans
// new ones out to SSE subscribers. It satisfies runtime.Broadcaster.
type StatusBroadcaster struct {
	mu   sync.Mutex
	buf  []runtime.StatusSnapshot
	subs []chan runtime.StatusSnapshot
}

// NewStatusBroadcaster returns an empty StatusBroadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		buf: make([]runtime.StatusSnapshot, 0, statusBufSize),
	}
}

// Broadcast records the snapshot and pushes it to every subscriber.
func (sb *StatusBroadcaster) Broadcast(snap runtime.StatusSnapshot) {
	sb.mu.Lock()
	sb.buf = append(sb.buf, snap)
	if len(sb.buf) > statusBufSize {
		sb.buf = sb.buf[len(sb.buf)-statusBufSize:]
	}
	for _, ch := range sb.subs {
		select {
		case ch <- snap:
		default: // slow consumer: drop rather than block
		}
	}
	sb.mu.Unlock()
}

// Latest returns the most recent snapshot and whether one exists.
func (sb *StatusBroadcaster) Latest() (runtime.StatusSnapshot, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.buf) == 0 {
		return runtime.StatusSnapshot{}, false
	}
	return sb.buf[len(sb.buf)-1], true
}

// Subscribe returns the latest snapshot (if any), a channel for new ones,
// and a cancel func that must be called when the subscriber is done.
func (sb *StatusBroadcaster) Subscribe() (history []runtime.StatusSnapshot, ch <-chan runtime.StatusSnapshot, cancel func()) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(sb.buf) > 0 {
		history = []runtime.StatusSnapshot{sb.buf[len(sb.buf)-1]}
	}

	c := make(chan runtime.StatusSnapshot, 16)
	sb.subs = append(sb.subs, c)

	cancel = func() {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		for i, s := range sb.subs {
			if s == c {
				sb.subs = append(sb.subs[:i], sb.subs[i+1:]...)
				break
			}
		}
		close(c)
	}
	return history, c, cancel
}
