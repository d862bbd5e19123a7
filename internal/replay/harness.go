package replay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/screening-state/internal/review"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

// ErrMismatch reports a replayed review whose aggregates differ from the fixture.
var ErrMismatch = errors.New("replay mismatch")

// #region types
// Summary describes a replayed review.
type Summary struct {
	Description string       `json:"description,omitempty"`
	Stats       review.Stats `json:"stats"`
	Changes     int          `json:"decision_changes"`
}

// #endregion types

// #region replay
// Replay loads f into store, which must be writable and empty. The record
// table, events and pending set are applied in that order; probabilities and
// the feature matrix follow, then decision changes. The first failing step
// stops the replay.
func Replay(store *state.Store, f *Fixture) (Summary, error) {
	empty, err := store.IsEmpty()
	if err != nil {
		return Summary{}, err
	}
	if !empty {
		return Summary{}, fmt.Errorf("replay into %s: %w", store.Path(), state.ErrAlreadySet)
	}

	if !f.Settings.IsZero() {
		if err := store.SetSettings(f.Settings); err != nil {
			return Summary{}, fmt.Errorf("replay settings: %w", err)
		}
	}
	if len(f.RecordTable) > 0 {
		if err := store.SetRecordTable(f.RecordTable); err != nil {
			return Summary{}, fmt.Errorf("replay record table: %w", err)
		}
	}

	events := make([]state.ResultEvent, len(f.Events))
	for i, fe := range f.Events {
		events[i] = fe.ToResultEvent()
	}
	if err := store.Append(events...); err != nil {
		return Summary{}, fmt.Errorf("replay events: %w", err)
	}

	for id, strategy := range f.Pending {
		if err := store.RecordPending(id, strategy); err != nil {
			return Summary{}, fmt.Errorf("replay pending %d: %w", id, err)
		}
	}
	if f.LastProbabilities != nil {
		var err error
		if f.ProbabilitiesLabeled != nil {
			err = store.SetLastProbabilitiesTrainedOn(f.LastProbabilities, *f.ProbabilitiesLabeled)
		} else {
			err = store.SetLastProbabilities(f.LastProbabilities)
		}
		if err != nil {
			return Summary{}, fmt.Errorf("replay probabilities: %w", err)
		}
	}
	if f.FeatureMatrix != nil {
		if err := store.SetFeatureMatrix(f.FeatureMatrix.ToCSR()); err != nil {
			return Summary{}, fmt.Errorf("replay feature matrix: %w", err)
		}
	}
	for _, c := range f.DecisionChanges {
		if err := store.ChangeDecisionAt(c.RecordID, c.NewLabel, c.Time); err != nil {
			return Summary{}, fmt.Errorf("replay decision change %d: %w", c.RecordID, err)
		}
	}

	return Summarize(store, f.Description)
}

// Summarize computes the summary of an open store.
func Summarize(store *state.Store, description string) (Summary, error) {
	st, err := review.Compute(store)
	if err != nil {
		return Summary{}, err
	}
	changes, err := store.DecisionChanges()
	if err != nil {
		return Summary{}, err
	}
	return Summary{Description: description, Stats: st, Changes: len(changes)}, nil
}

// #endregion replay

// #region verify
// Verify compares store's aggregates against want and reports every mismatch.
func Verify(store *state.Store, want Expected) error {
	got, err := aggregates(store)
	if err != nil {
		return err
	}
	var diffs []string
	if got.Count != want.Count {
		diffs = append(diffs, fmt.Sprintf("count %d, want %d", got.Count, want.Count))
	}
	if got.NPriors != want.NPriors {
		diffs = append(diffs, fmt.Sprintf("n_priors %d, want %d", got.NPriors, want.NPriors))
	}
	if got.NModels != want.NModels {
		diffs = append(diffs, fmt.Sprintf("n_models %d, want %d", got.NModels, want.NModels))
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(diffs, "; "), ErrMismatch)
	}
	return nil
}

func aggregates(store *state.Store) (Expected, error) {
	var e Expected
	var err error
	if e.Count, err = store.Count(); err != nil {
		return Expected{}, err
	}
	if e.NPriors, err = store.NPriors(); err != nil {
		return Expected{}, err
	}
	if e.NModels, err = store.NModels(); err != nil {
		return Expected{}, err
	}
	return e, nil
}

// #endregion verify
