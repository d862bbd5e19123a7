package state

import "time"

// #region labels
// Label values stored in the results table.
const (
	Irrelevant = 0
	Relevant   = 1
)

// PriorTrainingSet marks events supplied as prior knowledge.
const PriorTrainingSet = -1

// #endregion labels

// #region record-id
// RecordID identifies a record within one review.
type RecordID int64

// #endregion record-id

// #region settings
// Settings is the configuration captured when a review is created.
// The zero value is the placeholder held by a fresh state.
type Settings struct {
	Model             string `json:"model" yaml:"model"`
	QueryStrategy     string `json:"query_strategy" yaml:"query_strategy"`
	BalanceStrategy   string `json:"balance_strategy" yaml:"balance_strategy"`
	FeatureExtraction string `json:"feature_extraction" yaml:"feature_extraction"`
	NInstances        int    `json:"n_instances" yaml:"n_instances"`
	NPriorIncluded    int    `json:"n_prior_included" yaml:"n_prior_included"`
	NPriorExcluded    int    `json:"n_prior_excluded" yaml:"n_prior_excluded"`
}

// IsZero reports whether s is still the placeholder.
func (s Settings) IsZero() bool {
	return s == Settings{}
}

// #endregion settings

// #region result-event
// ResultEvent is one row of the results log.
type ResultEvent struct {
	RecordID          RecordID
	Label             int
	Classifier        string
	QueryStrategy     string
	BalanceStrategy   string
	FeatureExtraction string
	TrainingSet       int // -1 for priors, else the number of labels the selecting model saw
	LabelingTime      time.Time
}

// IsPrior reports whether the event was labeled as prior knowledge.
func (e ResultEvent) IsPrior() bool {
	return e.TrainingSet == PriorTrainingSet
}

// LabelingColumns is the parallel-array form of a batch of result events.
type LabelingColumns struct {
	RecordIDs         []RecordID
	Labels            []int
	Classifiers       []string
	QueryStrategies   []string
	BalanceStrategies []string
	FeatureExtraction []string
	TrainingSets      []int
	LabelingTimes     []time.Time // optional; nil means "now"
}

// #endregion result-event

// #region decision-change
// DecisionChange records an explicit correction of an already logged label.
type DecisionChange struct {
	RecordID RecordID
	NewLabel int
	Time     time.Time
}

// #endregion decision-change
