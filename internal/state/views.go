package state

import (
	"fmt"
	"time"
)

// #region columns
// Column names a results column. The names match existing review archives.
type Column string

const (
	ColumnRecordIDs         Column = "record_ids"
	ColumnLabels            Column = "labels"
	ColumnClassifiers       Column = "classifiers"
	ColumnQueryStrategies   Column = "query_strategies"
	ColumnBalanceStrategies Column = "balance_strategies"
	ColumnFeatureExtraction Column = "feature_extraction"
	ColumnTrainingSets      Column = "training_sets"
	ColumnLabelingTimes     Column = "labeling_times"
)

// ResultColumns lists every results column in table order.
var ResultColumns = []Column{
	ColumnRecordIDs,
	ColumnLabels,
	ColumnClassifiers,
	ColumnQueryStrategies,
	ColumnBalanceStrategies,
	ColumnFeatureExtraction,
	ColumnTrainingSets,
	ColumnLabelingTimes,
}

// ParseColumn validates a column name.
func ParseColumn(name string) (Column, error) {
	for _, c := range ResultColumns {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("column %q: %w", name, ErrUnknownColumn)
}

// #endregion columns

// #region view
// View is a column projection over a slice of result events. Only the
// slices named in Columns are populated.
type View struct {
	Columns           []Column
	RecordIDs         []RecordID
	Labels            []int
	Classifiers       []string
	QueryStrategies   []string
	BalanceStrategies []string
	FeatureExtraction []string
	TrainingSets      []int
	LabelingTimes     []time.Time

	n int
}

// Len returns the number of rows in the view.
func (v View) Len() int {
	return v.n
}

// Has reports whether the view carries column c.
func (v View) Has(c Column) bool {
	for _, col := range v.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// Project builds a view of events restricted to cols. No columns means all.
func Project(events []ResultEvent, cols ...Column) (View, error) {
	if len(cols) == 0 {
		cols = ResultColumns
	}
	v := View{Columns: make([]Column, 0, len(cols)), n: len(events)}
	for _, c := range cols {
		if _, err := ParseColumn(string(c)); err != nil {
			return View{}, err
		}
		if v.Has(c) {
			continue
		}
		v.Columns = append(v.Columns, c)
		switch c {
		case ColumnRecordIDs:
			v.RecordIDs = make([]RecordID, len(events))
			for i, e := range events {
				v.RecordIDs[i] = e.RecordID
			}
		case ColumnLabels:
			v.Labels = make([]int, len(events))
			for i, e := range events {
				v.Labels[i] = e.Label
			}
		case ColumnClassifiers:
			v.Classifiers = make([]string, len(events))
			for i, e := range events {
				v.Classifiers[i] = e.Classifier
			}
		case ColumnQueryStrategies:
			v.QueryStrategies = make([]string, len(events))
			for i, e := range events {
				v.QueryStrategies[i] = e.QueryStrategy
			}
		case ColumnBalanceStrategies:
			v.BalanceStrategies = make([]string, len(events))
			for i, e := range events {
				v.BalanceStrategies[i] = e.BalanceStrategy
			}
		case ColumnFeatureExtraction:
			v.FeatureExtraction = make([]string, len(events))
			for i, e := range events {
				v.FeatureExtraction[i] = e.FeatureExtraction
			}
		case ColumnTrainingSets:
			v.TrainingSets = make([]int, len(events))
			for i, e := range events {
				v.TrainingSets[i] = e.TrainingSet
			}
		case ColumnLabelingTimes:
			v.LabelingTimes = make([]time.Time, len(events))
			for i, e := range events {
				v.LabelingTimes[i] = e.LabelingTime
			}
		}
	}
	return v, nil
}

// #endregion view

// #region query-index
// queryIndex maps log offsets to derived query numbers. It is maintained
// incrementally on append and must always equal deriveQueries over the log.
type queryIndex struct {
	priors []int
	order  []int       // distinct non-negative training sets, first appearance
	number map[int]int // training set -> query number (1-based)
	rows   [][]int     // rows[q-1] holds the offsets of query q
}

func newQueryIndex() queryIndex {
	return queryIndex{number: make(map[int]int)}
}

func (q *queryIndex) add(offset, trainingSet int) {
	if trainingSet == PriorTrainingSet {
		q.priors = append(q.priors, offset)
		return
	}
	n, ok := q.number[trainingSet]
	if !ok {
		q.order = append(q.order, trainingSet)
		q.rows = append(q.rows, nil)
		n = len(q.order)
		q.number[trainingSet] = n
	}
	q.rows[n-1] = append(q.rows[n-1], offset)
}

func (q *queryIndex) nPriors() int {
	return len(q.priors)
}

func (q *queryIndex) nModels() int {
	return len(q.order)
}

// offsets returns the log offsets of query n.
func (q *queryIndex) offsets(n int) ([]int, bool) {
	switch {
	case n == 0:
		return q.priors, true
	case n < 0 || n > len(q.rows):
		return nil, false
	default:
		return q.rows[n-1], true
	}
}

// deriveQueries recomputes the query index from scratch.
func deriveQueries(events []ResultEvent) queryIndex {
	q := newQueryIndex()
	seen := make(map[int]bool)
	for _, e := range events {
		if e.TrainingSet != PriorTrainingSet && !seen[e.TrainingSet] {
			seen[e.TrainingSet] = true
			q.order = append(q.order, e.TrainingSet)
		}
	}
	for i, ts := range q.order {
		q.number[ts] = i + 1
		var rows []int
		for off, e := range events {
			if e.TrainingSet == ts {
				rows = append(rows, off)
			}
		}
		q.rows = append(q.rows, rows)
	}
	for off, e := range events {
		if e.IsPrior() {
			q.priors = append(q.priors, off)
		}
	}
	return q
}

// #endregion query-index
