package query

import (
	"errors"
	"testing"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	testPool   = []state.RecordID{10, 20, 30, 40, 50}
	testScores = []float64{0.1, 0.9, 0.5, 0.9, 0.3}
)

func ids(picks []Pick) []state.RecordID {
	out := make([]state.RecordID, len(picks))
	for i, p := range picks {
		out[i] = p.RecordID
	}
	return out
}

func mustNew(t *testing.T, id ID, cfg Config) Strategy {
	t.Helper()
	s, err := New(id, cfg)
	if err != nil {
		t.Fatalf("New(%q): %v", id, err)
	}
	if s.Name() != string(id) {
		t.Fatalf("Name() = %q, want %q", s.Name(), id)
	}
	return s
}

func assertDistinct(t *testing.T, picks []Pick) {
	t.Helper()
	seen := make(map[state.RecordID]bool)
	for _, p := range picks {
		if seen[p.RecordID] {
			t.Fatalf("record %d picked twice in %v", p.RecordID, picks)
		}
		seen[p.RecordID] = true
	}
}

// #region max-tests
func TestMaxPicksHighestScores(t *testing.T) {
	s := mustNew(t, Max, Config{})

	tests := []struct {
		name string
		n    int
		want []state.RecordID
	}{
		{"one", 1, []state.RecordID{20}},
		{"ties-keep-pool-order", 2, []state.RecordID{20, 40}},
		{"three", 3, []state.RecordID{20, 40, 30}},
		{"more-than-pool", 9, []state.RecordID{20, 40, 30, 50, 10}},
		{"zero", 0, []state.RecordID{}},
		{"negative", -1, []state.RecordID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			picks, err := s.Select(testPool, testScores, tt.n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := ids(picks)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
			for _, p := range picks {
				if p.Strategy != "max" {
					t.Errorf("pick %d tagged %q", p.RecordID, p.Strategy)
				}
			}
		})
	}
}

func TestMaxNeedsScores(t *testing.T) {
	s := mustNew(t, Max, Config{})
	if _, err := s.Select(testPool, nil, 1); !errors.Is(err, ErrNoScores) {
		t.Fatalf("expected ErrNoScores, got %v", err)
	}
	if _, err := s.Select(testPool, testScores[:2], 1); !errors.Is(err, ErrScoreMismatch) {
		t.Fatalf("expected ErrScoreMismatch, got %v", err)
	}
}

// #endregion max-tests

// #region random-tests
func TestRandomIsSeeded(t *testing.T) {
	a := mustNew(t, Random, Config{Seed: 3})
	b := mustNew(t, Random, Config{Seed: 3})

	pa, err := a.Select(testPool, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	pb, _ := b.Select(testPool, nil, 3)
	if len(pa) != 3 {
		t.Fatalf("expected 3 picks, got %d", len(pa))
	}
	for i := range pa {
		if pa[i] != pb[i] {
			t.Fatalf("same seed diverged: %v vs %v", pa, pb)
		}
	}
	assertDistinct(t, pa)
}

func TestRandomCoversPool(t *testing.T) {
	s := mustNew(t, Random, Config{Seed: 1})
	picks, _ := s.Select(testPool, nil, len(testPool)+2)
	if len(picks) != len(testPool) {
		t.Fatalf("expected %d picks, got %d", len(testPool), len(picks))
	}
	assertDistinct(t, picks)
}

// #endregion random-tests

// #region mixed-tests
func TestMixedRatioExtremes(t *testing.T) {
	allMax := mustNew(t, Mixed, Config{MixRatio: 1, Seed: 5})
	picks, err := allMax.Select(testPool, testScores, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []state.RecordID{20, 40, 30}
	for i, p := range picks {
		if p.RecordID != want[i] || p.Strategy != "max" {
			t.Fatalf("ratio 1: got %v, want max picks %v", picks, want)
		}
	}

	allRandom := mustNew(t, Mixed, Config{MixRatio: 0, Seed: 5})
	picks, _ = allRandom.Select(testPool, testScores, 5)
	assertDistinct(t, picks)
	for _, p := range picks {
		if p.Strategy != "random" {
			t.Fatalf("ratio 0 produced %q pick", p.Strategy)
		}
	}
}

func TestMixedDistinctAcrossSources(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		s := mustNew(t, Mixed, Config{MixRatio: 0.5, Seed: seed})
		picks, err := s.Select(testPool, testScores, len(testPool))
		if err != nil {
			t.Fatal(err)
		}
		if len(picks) != len(testPool) {
			t.Fatalf("seed %d: expected %d picks, got %d", seed, len(testPool), len(picks))
		}
		assertDistinct(t, picks)
	}
}

func TestMixedWithoutScoresIsRandom(t *testing.T) {
	s := mustNew(t, Mixed, Config{MixRatio: 1})
	picks, err := s.Select(testPool, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range picks {
		if p.Strategy != "random" {
			t.Fatalf("expected random picks without scores, got %v", picks)
		}
	}
}

// #endregion mixed-tests

func TestNewUnknown(t *testing.T) {
	if _, err := New("uncertainty", Config{}); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if _, err := New(Mixed, Config{MixRatio: 2}); err == nil {
		t.Fatal("expected error for mix ratio above 1")
	}
}
