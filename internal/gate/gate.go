package gate

import (
	"fmt"

	"github.com/danielpatrickdp/screening-state/internal/review"
)

// #region gate
// Gate decides whether a review should stop, given its current stats.
type Gate struct {
	config Config
}

// NewGate creates a gate with the given configuration.
func NewGate(config Config) *Gate {
	return &Gate{config: config}
}

// Evaluate checks every stopping rule and reports all that are met.
func (g *Gate) Evaluate(st review.Stats) Decision {
	var signals []StopSignal
	progress := reviewedShare(st)

	if st.NRecords > 0 && st.NPool == 0 {
		signals = append(signals, StopSignal{
			Type:   StopPoolExhausted,
			Reason: fmt.Sprintf("all %d records reviewed", st.NRecords),
		})
	}

	if g.config.MaxIrrelevantStreak > 0 &&
		st.NIncluded >= g.config.MinIncluded &&
		st.NSinceLastRelevant >= g.config.MaxIrrelevantStreak {
		signals = append(signals, StopSignal{
			Type: StopIrrelevantStreak,
			Reason: fmt.Sprintf("%d irrelevant in a row reaches limit %d",
				st.NSinceLastRelevant, g.config.MaxIrrelevantStreak),
		})
	}

	if g.config.MaxReviewedShare > 0 && st.NRecords > 0 && progress >= g.config.MaxReviewedShare {
		signals = append(signals, StopSignal{
			Type:   StopReviewedShare,
			Reason: fmt.Sprintf("reviewed share %.4f reaches limit %.4f", progress, g.config.MaxReviewedShare),
		})
	}

	if len(signals) > 0 {
		return Decision{
			Action:   "stop",
			Reason:   signals[0].Reason,
			Stopped:  true,
			Signals:  signals,
			Progress: progress,
		}
	}
	return Decision{
		Action:   "continue",
		Reason:   fmt.Sprintf("%d of %d reviewed", st.NReviewed, st.NRecords),
		Progress: progress,
	}
}

// #endregion gate

// #region helpers
func reviewedShare(st review.Stats) float64 {
	if st.NRecords == 0 {
		return 0
	}
	return float64(st.NReviewed) / float64(st.NRecords)
}

// #endregion helpers
