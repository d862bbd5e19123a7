package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// #region fixture-types

// Fixture is the serializable form of one review. YAML and JSON share the
// same field names.
type Fixture struct {
	Description       string                    `json:"description" yaml:"description"`
	Settings          state.Settings            `json:"settings" yaml:"settings"`
	RecordTable       []state.RecordID          `json:"record_table" yaml:"record_table"`
	Events            []FixtureEvent            `json:"events" yaml:"events"`
	Pending           map[state.RecordID]string `json:"pending,omitempty" yaml:"pending,omitempty"`
	DecisionChanges   []FixtureDecisionChange   `json:"decision_changes,omitempty" yaml:"decision_changes,omitempty"`
	LastProbabilities []float64                 `json:"last_probabilities,omitempty" yaml:"last_probabilities,omitempty"`
	// ProbabilitiesLabeled is the label count the probabilities were fitted
	// on. Nil means every event.
	ProbabilitiesLabeled *int           `json:"probabilities_labeled,omitempty" yaml:"probabilities_labeled,omitempty"`
	FeatureMatrix        *FixtureMatrix `json:"feature_matrix,omitempty" yaml:"feature_matrix,omitempty"`
	Expected             *Expected      `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// FixtureEvent mirrors state.ResultEvent with serialization tags. A zero
// labeling time is stamped on replay.
type FixtureEvent struct {
	RecordID          state.RecordID `json:"record_id" yaml:"record_id"`
	Label             int            `json:"label" yaml:"label"`
	Classifier        string         `json:"classifier" yaml:"classifier"`
	QueryStrategy     string         `json:"query_strategy" yaml:"query_strategy"`
	BalanceStrategy   string         `json:"balance_strategy" yaml:"balance_strategy"`
	FeatureExtraction string         `json:"feature_extraction" yaml:"feature_extraction"`
	TrainingSet       int            `json:"training_set" yaml:"training_set"`
	LabelingTime      time.Time      `json:"labeling_time" yaml:"labeling_time"`
}

// FixtureDecisionChange is a correction applied after the events. A zero
// time is stamped on replay.
type FixtureDecisionChange struct {
	RecordID state.RecordID `json:"record_id" yaml:"record_id"`
	NewLabel int            `json:"new_label" yaml:"new_label"`
	Time     time.Time      `json:"time,omitzero" yaml:"time,omitempty"`
}

// FixtureMatrix is a CSR feature matrix.
type FixtureMatrix struct {
	Rows    int       `json:"rows" yaml:"rows"`
	Cols    int       `json:"cols" yaml:"cols"`
	IndPtr  []int64   `json:"indptr" yaml:"indptr"`
	Indices []int32   `json:"indices" yaml:"indices"`
	Data    []float64 `json:"data" yaml:"data"`
}

// Expected holds aggregates a replayed review must reproduce.
type Expected struct {
	Count   int `json:"count" yaml:"count"`
	NPriors int `json:"n_priors" yaml:"n_priors"`
	NModels int `json:"n_models" yaml:"n_models"`
}

// #endregion fixture-types

// #region conversions

func eventFrom(e state.ResultEvent) FixtureEvent {
	return FixtureEvent{
		RecordID:          e.RecordID,
		Label:             e.Label,
		Classifier:        e.Classifier,
		QueryStrategy:     e.QueryStrategy,
		BalanceStrategy:   e.BalanceStrategy,
		FeatureExtraction: e.FeatureExtraction,
		TrainingSet:       e.TrainingSet,
		LabelingTime:      e.LabelingTime,
	}
}

// ToResultEvent converts a fixture event to a domain event.
func (fe FixtureEvent) ToResultEvent() state.ResultEvent {
	return state.ResultEvent{
		RecordID:          fe.RecordID,
		Label:             fe.Label,
		Classifier:        fe.Classifier,
		QueryStrategy:     fe.QueryStrategy,
		BalanceStrategy:   fe.BalanceStrategy,
		FeatureExtraction: fe.FeatureExtraction,
		TrainingSet:       fe.TrainingSet,
		LabelingTime:      fe.LabelingTime,
	}
}

// ToCSR converts the fixture matrix to a domain matrix.
func (fm *FixtureMatrix) ToCSR() *state.CSR {
	return &state.CSR{Rows: fm.Rows, Cols: fm.Cols, IndPtr: fm.IndPtr, Indices: fm.Indices, Data: fm.Data}
}

// #endregion conversions

// #region fixture-io

// isYAML reports whether path names a YAML file; anything else is JSON.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFixture reads a JSON or YAML fixture, chosen by file extension.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if isYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f to path as JSON or YAML, chosen by file extension.
func WriteFixture(path string, f *Fixture) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-io

// #region export

// Export captures the full contents of store as a fixture. Expected is
// filled from the store's own aggregates.
func Export(store *state.Store) (*Fixture, error) {
	var f Fixture
	var err error
	if f.Settings, err = store.Settings(); err != nil {
		return nil, err
	}
	if f.RecordTable, err = store.RecordTable(); err != nil {
		return nil, err
	}
	events, err := store.Events()
	if err != nil {
		return nil, err
	}
	f.Events = make([]FixtureEvent, len(events))
	for i, e := range events {
		f.Events[i] = eventFrom(e)
	}

	pending, err := store.CurrentQueries()
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		f.Pending = pending
	}
	changes, err := store.DecisionChanges()
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		f.DecisionChanges = append(f.DecisionChanges, FixtureDecisionChange{RecordID: c.RecordID, NewLabel: c.NewLabel, Time: c.Time})
	}

	probs, err := store.LastProbabilities()
	switch {
	case err == nil:
		f.LastProbabilities = probs
		labeled, err := store.ProbabilitiesLabelCount()
		if err != nil {
			return nil, err
		}
		f.ProbabilitiesLabeled = &labeled
	case !errors.Is(err, state.ErrNotFound):
		return nil, err
	}
	m, err := store.FeatureMatrix()
	switch {
	case err == nil:
		f.FeatureMatrix = &FixtureMatrix{Rows: m.Rows, Cols: m.Cols, IndPtr: m.IndPtr, Indices: m.Indices, Data: m.Data}
	case !errors.Is(err, state.ErrNotFound):
		return nil, err
	}

	exp, err := aggregates(store)
	if err != nil {
		return nil, err
	}
	f.Expected = &exp
	return &f, nil
}

// #endregion export
