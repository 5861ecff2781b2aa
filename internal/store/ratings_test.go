package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRating(rater, gameID string, publishedAt int64) Rating {
	overall := 4.0
	return Rating{
		RaterPubkey:   rater,
		GameID:        gameID,
		Version:       1,
		Status:        "Default",
		RatingJSON:    `{"user_review_rating":4}`,
		OverallRating: &overall,
		PublishedAt:   publishedAt,
		ReceivedAt:    publishedAt + 1,
		TrustLevel:    50,
		TrustTier:     "high",
		EventID:       "ev-" + gameID,
		Signature:     "sig",
		TagsJSON:      "[]",
	}
}

func TestRatingUpsertReplacesByNaturalKey(t *testing.T) {
	s := openTestStore(t)
	rater := strings.Repeat("ab", 32)

	require.NoError(t, s.UpsertRating(testRating(rater, "g1", 100)))

	got, err := s.GetRating(rater, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(100), got.PublishedAt)

	updated := testRating(rater, "g1", 200)
	updated.EventID = "ev-later"
	require.NoError(t, s.UpsertRating(updated))

	got, err = s.GetRating(rater, "g1")
	require.NoError(t, err)
	require.Equal(t, int64(200), got.PublishedAt)
	require.Equal(t, "ev-later", got.EventID)

	rows, err := s.RatingsForGame("g1")
	require.NoError(t, err)
	require.Len(t, rows, 1, "upsert must not create a second row for the same (rater, game)")
}

func TestGetRatingMissingIsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetRating(strings.Repeat("ab", 32), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReplaceSummariesForGame(t *testing.T) {
	s := openTestStore(t)

	first := []RatingSummary{
		{GameID: "g1", RatingCategory: "user_review_rating", TrustTier: "high", Count: 2, Average: 4.5, Median: 4.5, Stddev: 0.5, UpdatedAt: 1},
		{GameID: "g1", RatingCategory: "user_story_rating", TrustTier: "standard", Count: 1, Average: 3, Median: 3, UpdatedAt: 1},
	}
	require.NoError(t, s.ReplaceSummariesForGame("g1", first))

	second := []RatingSummary{
		{GameID: "g1", RatingCategory: "user_review_rating", TrustTier: "high", Count: 3, Average: 4, Median: 4, Stddev: 0.8, UpdatedAt: 2},
	}
	require.NoError(t, s.ReplaceSummariesForGame("g1", second))

	got, err := s.SummariesForGame("g1")
	require.NoError(t, err)
	require.Len(t, got, 1, "replace is wholesale per game")
	require.Equal(t, 3, got[0].Count)
}

func TestTrustLevelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	pk := strings.Repeat("ab", 32)

	level, err := s.TrustLevelFor(pk)
	require.NoError(t, err)
	require.Equal(t, 0, level, "unknown pubkeys default to level 0")

	require.NoError(t, s.SetTrustLevel(pk, 85))
	level, err = s.TrustLevelFor(pk)
	require.NoError(t, err)
	require.Equal(t, 85, level)
}
