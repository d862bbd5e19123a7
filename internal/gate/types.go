package gate

// #region stop-type
// StopType enumerates the conditions that end a review.
type StopType string

const (
	StopPoolExhausted    StopType = "pool_exhausted"
	StopIrrelevantStreak StopType = "irrelevant_streak"
	StopReviewedShare    StopType = "reviewed_share"
)

// #endregion stop-type

// #region stop-signal
// StopSignal represents one met stopping condition.
type StopSignal struct {
	Type   StopType
	Reason string
}

// #endregion stop-signal

// #region gate-config
// Config holds the stopping thresholds. A zero threshold disables its rule.
type Config struct {
	MaxIrrelevantStreak int     // irrelevant decisions in a row since the last relevant one
	MaxReviewedShare    float64 // share of the record table reviewed, in (0, 1]
	MinIncluded         int     // the streak rule waits for this many relevant records
}

// DefaultConfig stops only when the pool runs out.
func DefaultConfig() Config {
	return Config{MinIncluded: 1}
}

// #endregion gate-config

// #region gate-decision
// Decision is the output of the gate evaluation.
type Decision struct {
	Action   string // "continue" | "stop"
	Reason   string
	Stopped  bool
	Signals  []StopSignal // non-empty if stopped
	Progress float64      // reviewed share of the record table
}

// #endregion gate-decision
