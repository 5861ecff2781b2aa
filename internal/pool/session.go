package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// relaySession adapts *nostr.Relay to the Session interface.
type relaySession struct {
	relay *nostr.Relay
}

// dialRelay is the default Dialer, backed by go-nostr.
func dialRelay(ctx context.Context, url string) (Session, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &relaySession{relay: relay}, nil
}

func (s *relaySession) Publish(ctx context.Context, ev nostr.Event) error {
	return s.relay.Publish(ctx, ev)
}

func (s *relaySession) Subscribe(ctx context.Context, filters nostr.Filters) (SessionSub, error) {
	sub, err := s.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &relaySub{sub: sub}, nil
}

func (s *relaySession) IsConnected() bool {
	return s.relay.IsConnected()
}

func (s *relaySession) Close() error {
	return s.relay.Close()
}

// relaySub adapts *nostr.Subscription to the SessionSub interface.
type relaySub struct {
	sub *nostr.Subscription
}

func (s *relaySub) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *relaySub) EndOfStoredEvents() <-chan struct{} {
	return s.sub.EndOfStoredEvents
}

func (s *relaySub) Unsub() {
	s.sub.Unsub()
}
