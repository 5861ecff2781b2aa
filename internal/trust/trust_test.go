package trust

import (
	"errors"
	"testing"
)

func TestTier(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{-100, TierBlocked},
		{-1, TierBlocked},
		{0, TierUnverified},
		{9, TierUnverified},
		{10, TierStandard},
		{49, TierStandard},
		{50, TierHigh},
		{79, TierHigh},
		{80, TierCore},
		{1000, TierCore},
	}
	for _, tc := range tests {
		if got := Tier(tc.level); got != tc.want {
			t.Errorf("Tier(%d) = %q, want %q", tc.level, got, tc.want)
		}
	}
}

type fakeSource struct {
	levels map[string]int
	calls  int
	err    error
}

func (f *fakeSource) TrustLevelFor(pubkey string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.levels[pubkey], nil
}

func TestResolveCachesLevels(t *testing.T) {
	src := &fakeSource{levels: map[string]int{"pk1": 85}}
	r, err := NewResolver(src, 8)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		level, tier, err := r.Resolve("pk1")
		if err != nil {
			t.Fatal(err)
		}
		if level != 85 || tier != TierCore {
			t.Fatalf("Resolve = (%d, %q), want (85, core)", level, tier)
		}
	}
	if src.calls != 1 {
		t.Errorf("source read %d times, want 1 (cached)", src.calls)
	}
}

func TestInvalidateForcesReRead(t *testing.T) {
	src := &fakeSource{levels: map[string]int{"pk1": 5}}
	r, err := NewResolver(src, 8)
	if err != nil {
		t.Fatal(err)
	}

	_, tier, _ := r.Resolve("pk1")
	if tier != TierUnverified {
		t.Fatalf("tier = %q, want unverified", tier)
	}

	src.levels["pk1"] = 60
	r.Invalidate("pk1")

	level, tier, err := r.Resolve("pk1")
	if err != nil {
		t.Fatal(err)
	}
	if level != 60 || tier != TierHigh {
		t.Errorf("after invalidate Resolve = (%d, %q), want (60, high)", level, tier)
	}
	if src.calls != 2 {
		t.Errorf("source read %d times, want 2", src.calls)
	}
}

func TestResolveErrorNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	r, err := NewResolver(src, 8)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := r.Resolve("pk1"); err == nil {
		t.Fatal("want error from failing source")
	}

	src.err = nil
	src.levels = map[string]int{"pk1": 15}
	level, tier, err := r.Resolve("pk1")
	if err != nil {
		t.Fatal(err)
	}
	if level != 15 || tier != TierStandard {
		t.Errorf("Resolve after recovery = (%d, %q), want (15, standard)", level, tier)
	}
}
