package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalRelayURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "wss://relay.damus.io", "wss://relay.damus.io", false},
		{"uppercase host", "WSS://Relay.Damus.IO", "wss://relay.damus.io", false},
		{"trailing slash", "wss://nos.lol/", "wss://nos.lol", false},
		{"surrounding whitespace", "  wss://nos.lol  ", "wss://nos.lol", false},
		{"plain ws", "ws://localhost:7777", "ws://localhost:7777", false},
		{"http rejected", "https://relay.damus.io", "", true},
		{"empty rejected", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalRelayURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func seedRelay(url string, categories []string, read bool, priority int) Relay {
	return Relay{
		URL:        url,
		Categories: categories,
		Priority:   priority,
		Read:       read,
		Write:      true,
		AddedBy:    AddedBySystem,
	}
}

func TestSelectActiveRelays(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertRelay(seedRelay("wss://a.example", []string{"general"}, true, 2)))
	require.NoError(t, s.UpsertRelay(seedRelay("wss://b.example", []string{"games"}, true, 1)))
	require.NoError(t, s.UpsertRelay(seedRelay("wss://c.example", []string{"general"}, false, 9)))

	// No preference: every readable relay qualifies, ordered by priority
	// then URL.
	urls, err := s.SelectActiveRelays(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://a.example", "wss://b.example"}, urls)

	// Category preference narrows the set; the write-only relay stays out.
	require.NoError(t, s.SetCategoryPreference([]string{"general"}))
	urls, err = s.SelectActiveRelays(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://a.example"}, urls)
}

func TestSelectActiveRelaysFallsBackToSeeds(t *testing.T) {
	s := openTestStore(t)

	seed := []Relay{seedRelay("wss://seed.example", []string{"general"}, true, 0)}
	urls, err := s.SelectActiveRelays(seed)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://seed.example"}, urls)
}

func TestRemoveRelaySystemProtection(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertRelay(seedRelay("wss://sys.example", []string{"general"}, true, 0)))

	err := s.RemoveRelay("wss://sys.example", false)
	require.ErrorIs(t, err, ErrSystemRelay)

	require.NoError(t, s.RemoveRelay("wss://sys.example", true))
	relays, err := s.ListRelays(RelayFilter{})
	require.NoError(t, err)
	require.Empty(t, relays)
}

func TestUpsertRelayPreservesAddedBy(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertRelay(seedRelay("wss://sys.example", []string{"general"}, true, 0)))

	// Re-adding the URL as a user relay must not demote the system origin.
	user := seedRelay("wss://sys.example", []string{"general"}, true, 3)
	user.AddedBy = AddedByUser
	require.NoError(t, s.UpsertRelay(user))

	relays, err := s.ListRelays(RelayFilter{})
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, AddedBySystem, relays[0].AddedBy)
	require.Equal(t, 3, relays[0].Priority)

	require.ErrorIs(t, s.RemoveRelay("wss://sys.example", false), ErrSystemRelay)
}

func TestUpsertRelayPreservesHealthCounters(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertRelay(seedRelay("wss://a.example", []string{"general"}, true, 0)))
	require.NoError(t, s.RecordRelayFailure("wss://a.example"))
	require.NoError(t, s.RecordRelayFailure("wss://a.example"))

	// Re-registering the same relay must not reset its failure streak.
	require.NoError(t, s.UpsertRelay(seedRelay("wss://a.example", []string{"general", "games"}, true, 5)))

	relays, err := s.ListRelays(RelayFilter{})
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, 2, relays[0].ConsecutiveFailures)
	require.Equal(t, 5, relays[0].Priority)
}
