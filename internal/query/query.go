package query

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	ErrUnknownStrategy = errors.New("unknown query strategy")
	ErrNoScores        = errors.New("strategy needs probabilities")
	ErrScoreMismatch   = errors.New("scores do not match pool")
)

// #region strategy-definitions
// ID names a built-in query strategy.
type ID string

const (
	Max    ID = "max"
	Random ID = "random"
	Mixed  ID = "mixed"
)

// IDs lists the built-in strategies.
var IDs = []ID{Max, Random, Mixed}

// Config tunes the strategies that need it.
type Config struct {
	MixRatio float64 // share of picks mixed takes from max
	Seed     int64
}

// Pick is one selected record and the strategy that chose it.
type Pick struct {
	RecordID state.RecordID
	Strategy string
}

// Strategy selects the next records to label.
type Strategy interface {
	Name() string
	// Select returns up to n picks from pool. scores, when not nil, holds the
	// relevance probability of each pool entry.
	Select(pool []state.RecordID, scores []float64, n int) ([]Pick, error)
}

// New builds the strategy named id.
func New(id ID, cfg Config) (Strategy, error) {
	switch id {
	case Max:
		return maxStrategy{}, nil
	case Random:
		return &randomStrategy{rng: rand.New(rand.NewSource(cfg.Seed))}, nil
	case Mixed:
		if cfg.MixRatio < 0 || cfg.MixRatio > 1 {
			return nil, fmt.Errorf("mix ratio %g outside [0, 1]", cfg.MixRatio)
		}
		return &mixedStrategy{ratio: cfg.MixRatio, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
	default:
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownStrategy)
	}
}

// #endregion strategy-definitions

// #region max
type maxStrategy struct{}

func (maxStrategy) Name() string { return string(Max) }

func (maxStrategy) Select(pool []state.RecordID, scores []float64, n int) ([]Pick, error) {
	if scores == nil {
		return nil, fmt.Errorf("%s: %w", Max, ErrNoScores)
	}
	order, err := ranked(pool, scores)
	if err != nil {
		return nil, err
	}
	k := limit(n, len(order))
	picks := make([]Pick, 0, k)
	for _, i := range order[:k] {
		picks = append(picks, Pick{RecordID: pool[i], Strategy: string(Max)})
	}
	return picks, nil
}

// ranked returns pool positions by descending score; ties keep pool order.
func ranked(pool []state.RecordID, scores []float64) ([]int, error) {
	if len(scores) != len(pool) {
		return nil, fmt.Errorf("%d scores for %d records: %w", len(scores), len(pool), ErrScoreMismatch)
	}
	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order, nil
}

// limit clamps a requested batch size to [0, size].
func limit(n, size int) int {
	return max(0, min(n, size))
}

// #endregion max

// #region random
type randomStrategy struct {
	rng *rand.Rand
}

func (*randomStrategy) Name() string { return string(Random) }

func (s *randomStrategy) Select(pool []state.RecordID, _ []float64, n int) ([]Pick, error) {
	k := limit(n, len(pool))
	perm := s.rng.Perm(len(pool))
	picks := make([]Pick, 0, k)
	for _, i := range perm[:k] {
		picks = append(picks, Pick{RecordID: pool[i], Strategy: string(Random)})
	}
	return picks, nil
}

// #endregion random

// #region mixed
// mixedStrategy takes each pick from max with probability ratio and at
// random otherwise. Without scores every pick is random.
type mixedStrategy struct {
	ratio float64
	rng   *rand.Rand
}

func (*mixedStrategy) Name() string { return string(Mixed) }

func (s *mixedStrategy) Select(pool []state.RecordID, scores []float64, n int) ([]Pick, error) {
	var order []int
	if scores != nil {
		var err error
		if order, err = ranked(pool, scores); err != nil {
			return nil, err
		}
	}

	taken := make([]bool, len(pool))
	remaining := make([]int, len(pool))
	for i := range remaining {
		remaining[i] = i
	}
	next := 0
	k := limit(n, len(pool))
	picks := make([]Pick, 0, k)
	for len(picks) < k {
		if order != nil && s.rng.Float64() < s.ratio {
			for taken[order[next]] {
				next++
			}
			taken[order[next]] = true
			picks = append(picks, Pick{RecordID: pool[order[next]], Strategy: string(Max)})
			continue
		}
		// Draw uniformly among untaken positions.
		for {
			j := s.rng.Intn(len(remaining))
			i := remaining[j]
			remaining[j] = remaining[len(remaining)-1]
			remaining = remaining[:len(remaining)-1]
			if !taken[i] {
				taken[i] = true
				picks = append(picks, Pick{RecordID: pool[i], Strategy: string(Random)})
				break
			}
		}
	}
	return picks, nil
}

// #endregion mixed
