package review

import "github.com/danielpatrickdp/screening-state/internal/state"

// #region stats
// Stats summarizes review progress. Label counts use corrected decisions.
type Stats struct {
	NRecords  int `json:"n_records" yaml:"n_records"`
	NReviewed int `json:"n_reviewed" yaml:"n_reviewed"`
	NIncluded int `json:"n_included" yaml:"n_included"`
	NExcluded int `json:"n_excluded" yaml:"n_excluded"`
	NPool     int `json:"n_pool" yaml:"n_pool"`
	NPending  int `json:"n_pending" yaml:"n_pending"`
	NPriors   int `json:"n_priors" yaml:"n_priors"`
	NModels   int `json:"n_models" yaml:"n_models"`
	// NSinceLastRelevant counts irrelevant decisions after the latest relevant one.
	NSinceLastRelevant int `json:"n_since_last_relevant" yaml:"n_since_last_relevant"`
}

// Stats computes progress from the session's store.
func (s *Session) Stats() (Stats, error) {
	return Compute(s.store)
}

// Compute derives Stats from any open store, read-only handles included.
func Compute(store *state.Store) (Stats, error) {
	var st Stats
	table, err := store.RecordTable()
	if err != nil {
		return Stats{}, err
	}
	labels, err := store.CurrentLabels()
	if err != nil {
		return Stats{}, err
	}
	pending, err := store.CurrentQueries()
	if err != nil {
		return Stats{}, err
	}
	if st.NPriors, err = store.NPriors(); err != nil {
		return Stats{}, err
	}
	if st.NModels, err = store.NModels(); err != nil {
		return Stats{}, err
	}

	st.NRecords = len(table)
	st.NReviewed = len(labels)
	st.NPool = st.NRecords - st.NReviewed
	st.NPending = len(pending)
	for _, l := range labels {
		if l == state.Relevant {
			st.NIncluded++
		} else {
			st.NExcluded++
		}
	}
	for i := len(labels) - 1; i >= 0 && labels[i] != state.Relevant; i-- {
		st.NSinceLastRelevant++
	}
	return st, nil
}

// #endregion stats
