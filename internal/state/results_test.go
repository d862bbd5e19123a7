package state

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fixture
var (
	testLabels            = []int{1, 0, 0, 1, 1, 1, 0, 1, 1, 1}
	testRecordIDs         = []RecordID{17, 347, 510, 28, 12, 556, 555, 681, 265, 310}
	testClassifiers       = []string{"initial", "initial", "initial", "initial", "nb", "nb", "nb", "nb", "nb", "nb"}
	testQueryStrategies   = []string{"prior", "prior", "prior", "prior", "max", "max", "max", "max", "max", "max"}
	testBalanceStrategies = []string{"initial", "initial", "initial", "initial", "double", "double", "double", "double", "double", "double"}
	testFeatureExtraction = []string{"initial", "initial", "initial", "initial", "tfidf", "tfidf", "tfidf", "tfidf", "tfidf", "tfidf"}
	testTrainingSets      = []int{-1, -1, -1, -1, 4, 5, 6, 7, 8, 9}
	testLabelingTimes     = []int64{1621597506037183, 1621597506046369, 1621597506053114, 1621597506061950, 1621597506070351,
		1621597506072425, 1621597506073674, 1621597506077505, 1621597506079072, 1621597506084322}
)

const (
	testNPriors = 4
	testNModels = 6
)

func testRecordTable() []RecordID {
	ids := make([]RecordID, 851)
	for i := range ids {
		ids[i] = RecordID(i + 1)
	}
	return ids
}

func testColumns(lo, hi int) LabelingColumns {
	times := make([]time.Time, 0, hi-lo)
	for _, us := range testLabelingTimes[lo:hi] {
		times = append(times, time.UnixMicro(us).UTC())
	}
	return LabelingColumns{
		RecordIDs:         testRecordIDs[lo:hi],
		Labels:            testLabels[lo:hi],
		Classifiers:       testClassifiers[lo:hi],
		QueryStrategies:   testQueryStrategies[lo:hi],
		BalanceStrategies: testBalanceStrategies[lo:hi],
		FeatureExtraction: testFeatureExtraction[lo:hi],
		TrainingSets:      testTrainingSets[lo:hi],
		LabelingTimes:     times,
	}
}

// labeledState returns a writer holding the full test log.
func labeledState(t *testing.T) *Store {
	t.Helper()
	s := tempState(t)
	require.NoError(t, s.SetRecordTable(testRecordTable()))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddLabelingData(testColumns(i, i+1)))
	}
	require.NoError(t, s.AddLabelingData(testColumns(3, len(testRecordIDs))))
	return s
}

// #endregion fixture

// #region append-tests
func TestAddLabelingData(t *testing.T) {
	s := labeledState(t)

	data, err := s.Dataset()
	require.NoError(t, err)
	assert.Equal(t, testRecordIDs, data.RecordIDs)
	assert.Equal(t, testLabels, data.Labels)
	assert.Equal(t, testClassifiers, data.Classifiers)
	assert.Equal(t, testQueryStrategies, data.QueryStrategies)
	assert.Equal(t, testBalanceStrategies, data.BalanceStrategies)
	assert.Equal(t, testFeatureExtraction, data.FeatureExtraction)
	assert.Equal(t, testTrainingSets, data.TrainingSets)
	assert.Equal(t, ResultColumns, data.Columns)

	n, _ := s.Count()
	assert.Equal(t, len(testRecordIDs), n)
	priors, _ := s.NPriors()
	assert.Equal(t, testNPriors, priors)
	models, _ := s.NModels()
	assert.Equal(t, testNModels, models)
}

func TestAddLabelingDataLengthMismatch(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable(testRecordTable()))

	cols := testColumns(0, 4)
	cols.Classifiers = cols.Classifiers[:3]
	err := s.AddLabelingData(cols)
	require.ErrorIs(t, err, ErrLengthMismatch)

	cols = testColumns(0, 4)
	cols.LabelingTimes = cols.LabelingTimes[:1]
	require.ErrorIs(t, s.AddLabelingData(cols), ErrLengthMismatch)

	n, _ := s.Count()
	assert.Zero(t, n)
}

func TestAppendDuplicate(t *testing.T) {
	s := labeledState(t)

	err := s.Append(ResultEvent{RecordID: testRecordIDs[2], Label: 1, TrainingSet: 10})
	require.ErrorIs(t, err, ErrDuplicateRecord)

	err = s.Append(
		ResultEvent{RecordID: 1, Label: 1, TrainingSet: 10},
		ResultEvent{RecordID: 1, Label: 0, TrainingSet: 10},
	)
	require.ErrorIs(t, err, ErrDuplicateRecord)

	n, _ := s.Count()
	assert.Equal(t, len(testRecordIDs), n, "count must not change after failed appends")
}

func TestAppendUnknownRecord(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable([]RecordID{1, 2}))
	require.ErrorIs(t, s.Append(ResultEvent{RecordID: 3, Label: 1, TrainingSet: -1}), ErrUnknownRecord)
}

func TestAppendInvalidFields(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable([]RecordID{1, 2}))
	require.ErrorIs(t, s.Append(ResultEvent{RecordID: 1, Label: 2, TrainingSet: -1}), ErrInvalidLabel)
	require.ErrorIs(t, s.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -2}), ErrInvalidTrainingSet)
}

func TestAppendMonotonicTime(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable([]RecordID{1, 2, 3, 4}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1, LabelingTime: base}))

	err := s.Append(ResultEvent{RecordID: 2, Label: 0, TrainingSet: -1, LabelingTime: base.Add(-time.Second)})
	require.ErrorIs(t, err, ErrNonMonotonicTime)

	err = s.Append(
		ResultEvent{RecordID: 2, Label: 0, TrainingSet: 1, LabelingTime: base.Add(2 * time.Second)},
		ResultEvent{RecordID: 3, Label: 0, TrainingSet: 1, LabelingTime: base.Add(time.Second)},
	)
	require.ErrorIs(t, err, ErrNonMonotonicTime)

	// Equal times are allowed.
	require.NoError(t, s.Append(ResultEvent{RecordID: 2, Label: 0, TrainingSet: 1, LabelingTime: base}))

	n, _ := s.Count()
	assert.Equal(t, 2, n)
}

func TestAppendStampsMissingTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(statePath(t), false, WithClock(fixedClock(start)))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SetRecordTable([]RecordID{1, 2}))

	// An explicit time ahead of the clock; the next stamp must not go backwards.
	ahead := start.Add(time.Hour)
	require.NoError(t, s.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1, LabelingTime: ahead}))
	require.NoError(t, s.Append(ResultEvent{RecordID: 2, Label: 0, TrainingSet: -1}))

	times, err := s.LabelingTimes()
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.True(t, times[1].Equal(ahead), "expected stamp clamped to %s, got %s", ahead, times[1])
}

func TestAppendEmptyBatch(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.Append())
}

// #endregion append-tests

// #region scenario-tests
func TestQueryScenario(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable([]RecordID{101, 102, 103}))
	require.NoError(t, s.Append(
		ResultEvent{RecordID: 101, Label: 1, Classifier: "initial", QueryStrategy: "prior", TrainingSet: -1},
		ResultEvent{RecordID: 102, Label: 0, Classifier: "initial", QueryStrategy: "prior", TrainingSet: -1},
	))

	priors, _ := s.NPriors()
	models, _ := s.NModels()
	assert.Equal(t, 2, priors)
	assert.Equal(t, 0, models)

	q0, err := s.Query(0)
	require.NoError(t, err)
	assert.Equal(t, []RecordID{101, 102}, q0.RecordIDs)

	_, err = s.Query(1)
	require.ErrorIs(t, err, ErrQueryNotFound)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Append(ResultEvent{RecordID: 103, Label: 1, Classifier: "nb", QueryStrategy: "max", TrainingSet: 0}))
	models, _ = s.NModels()
	assert.Equal(t, 1, models)

	q1, err := s.Query(1)
	require.NoError(t, err)
	assert.Equal(t, []RecordID{103}, q1.RecordIDs)
	assert.Equal(t, 1, q1.Len())

	_, err = s.Query(-1)
	require.ErrorIs(t, err, ErrQueryNotFound)
}

func TestQueryByNumber(t *testing.T) {
	s := labeledState(t)

	q0, err := s.Query(0)
	require.NoError(t, err)
	assert.Equal(t, ResultColumns, q0.Columns)
	assert.Equal(t, testBalanceStrategies[:testNPriors], q0.BalanceStrategies)
	assert.Equal(t, testClassifiers[:testNPriors], q0.Classifiers)

	for _, n := range []int{1, 3, 5} {
		idx := n + testNPriors - 1
		q, err := s.Query(n)
		require.NoError(t, err)
		assert.Equal(t, testFeatureExtraction[idx], q.FeatureExtraction[0])
		assert.Equal(t, testLabels[idx], q.Labels[0])
		assert.Equal(t, testRecordIDs[idx], q.RecordIDs[0])
	}

	cols := ResultColumns[2:5]
	q, err := s.Query(4, cols...)
	require.NoError(t, err)
	assert.Equal(t, cols, q.Columns)
	assert.Nil(t, q.RecordIDs)
	assert.Len(t, q.Classifiers, 1)

	_, err = s.Query(testNModels + 1)
	require.ErrorIs(t, err, ErrQueryNotFound)
}

func TestQueryUnknownColumn(t *testing.T) {
	s := labeledState(t)
	_, err := s.Query(0, Column("proba"))
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestByRecord(t *testing.T) {
	s := labeledState(t)
	for _, idx := range []int{2, 6, 8} {
		e, err := s.ByRecord(testRecordIDs[idx])
		require.NoError(t, err)
		assert.Equal(t, testTrainingSets[idx], e.TrainingSet)
		assert.Equal(t, testRecordIDs[idx], e.RecordID)
	}
	_, err := s.ByRecord(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestColumnAccessors(t *testing.T) {
	s := labeledState(t)

	order, err := s.Ordering()
	require.NoError(t, err)
	assert.Equal(t, testRecordIDs, order)

	labels, _ := s.Labels()
	assert.Equal(t, testLabels, labels)
	classifiers, _ := s.Classifiers()
	assert.Equal(t, testClassifiers, classifiers)
	strategies, _ := s.QueryStrategies()
	assert.Equal(t, testQueryStrategies, strategies)
	balance, _ := s.BalanceStrategies()
	assert.Equal(t, testBalanceStrategies, balance)
	fe, _ := s.FeatureExtractions()
	assert.Equal(t, testFeatureExtraction, fe)
	ts, _ := s.TrainingSets()
	assert.Equal(t, testTrainingSets, ts)

	times, _ := s.LabelingTimes()
	require.Len(t, times, len(testLabelingTimes))
	for i, us := range testLabelingTimes {
		assert.Equal(t, us, times[i].UnixMicro())
	}
}

func TestPool(t *testing.T) {
	s := tempState(t)
	require.NoError(t, s.SetRecordTable([]RecordID{5, 4, 3, 2, 1}))
	require.NoError(t, s.Append(ResultEvent{RecordID: 3, Label: 1, TrainingSet: -1}))
	pool, err := s.Pool()
	require.NoError(t, err)
	assert.Equal(t, []RecordID{5, 4, 2, 1}, pool)
}

// #endregion scenario-tests

// #region persistence-tests
func TestRoundTripByRecord(t *testing.T) {
	path := statePath(t)
	var written []ResultEvent
	err := WithState(path, false, func(s *Store) error {
		if err := s.SetRecordTable(testRecordTable()); err != nil {
			return err
		}
		if err := s.AddLabelingData(testColumns(0, len(testRecordIDs))); err != nil {
			return err
		}
		var err error
		written, err = s.Events()
		return err
	})
	require.NoError(t, err)

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()

	for _, want := range written {
		got, err := ro.ByRecord(want.RecordID)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got), "record %d mismatch (-want +got)", want.RecordID)
	}
	models, _ := ro.NModels()
	assert.Equal(t, testNModels, models)
}

func TestReaderSnapshot(t *testing.T) {
	path := statePath(t)
	w, err := Open(path, false)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.SetRecordTable([]RecordID{1, 2, 3}))
	require.NoError(t, w.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1}))

	before, err := Open(path, true)
	require.NoError(t, err)
	defer before.Close()

	require.NoError(t, w.Append(ResultEvent{RecordID: 2, Label: 0, TrainingSet: 1}))

	n, _ := before.Count()
	assert.Equal(t, 1, n, "snapshot must not see later appends")

	after, err := Open(path, true)
	require.NoError(t, err)
	defer after.Close()
	n, _ = after.Count()
	assert.Equal(t, 2, n, "a reopened reader sees new appends")
}

func TestResultsTableAppendOnly(t *testing.T) {
	path := statePath(t)
	require.NoError(t, WithState(path, false, func(s *Store) error {
		if err := s.SetRecordTable([]RecordID{1}); err != nil {
			return err
		}
		return s.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1})
	}))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE results SET labels = 0 WHERE record_ids = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.Exec(`DELETE FROM results`)
	require.Error(t, err)
}

// #endregion persistence-tests

// #region decision-change-tests
func TestChangeDecision(t *testing.T) {
	path := statePath(t)
	require.NoError(t, WithState(path, false, func(s *Store) error {
		require.NoError(t, s.SetRecordTable([]RecordID{1, 2}))
		require.NoError(t, s.Append(ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1}))

		require.ErrorIs(t, s.ChangeDecision(2, 1), ErrNotFound)
		require.ErrorIs(t, s.ChangeDecision(1, 3), ErrInvalidLabel)
		require.NoError(t, s.ChangeDecision(1, 0))

		label, err := s.CurrentLabel(1)
		require.NoError(t, err)
		assert.Equal(t, 0, label)
		return nil
	}))

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()

	changes, err := ro.DecisionChanges()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, RecordID(1), changes[0].RecordID)

	// The log keeps the original label.
	e, _ := ro.ByRecord(1)
	assert.Equal(t, 1, e.Label)
	labels, _ := ro.CurrentLabels()
	assert.Equal(t, []int{0}, labels)
}

// #endregion decision-change-tests

func TestProbabilitiesLabelCount(t *testing.T) {
	path := statePath(t)
	require.NoError(t, WithState(path, false, func(s *Store) error {
		require.NoError(t, s.SetRecordTable([]RecordID{1, 2, 3}))
		_, err := s.ProbabilitiesLabelCount()
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Append(
			ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1},
			ResultEvent{RecordID: 2, Label: 0, TrainingSet: -1},
		))
		require.NoError(t, s.SetLastProbabilities([]float64{0.9, 0.1, 0.5}))
		return s.Append(ResultEvent{RecordID: 3, Label: 1, TrainingSet: 2})
	}))

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()
	n, err := ro.ProbabilitiesLabelCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "count is taken when the cache is written, not on later appends")
}

func TestProbabilitiesTrainedOn(t *testing.T) {
	path := statePath(t)
	require.NoError(t, WithState(path, false, func(s *Store) error {
		require.NoError(t, s.SetRecordTable([]RecordID{1, 2, 3}))
		require.NoError(t, s.Append(
			ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1},
			ResultEvent{RecordID: 2, Label: 0, TrainingSet: -1},
			ResultEvent{RecordID: 3, Label: 1, TrainingSet: 2},
		))

		err := s.SetLastProbabilitiesTrainedOn([]float64{0.9, 0.1, 0.5}, 4)
		require.ErrorIs(t, err, ErrLengthMismatch)
		err = s.SetLastProbabilitiesTrainedOn([]float64{0.9, 0.1, 0.5}, -1)
		require.ErrorIs(t, err, ErrLengthMismatch)
		_, err = s.LastProbabilities()
		require.ErrorIs(t, err, ErrNotFound, "a rejected write leaves no cache")

		return s.SetLastProbabilitiesTrainedOn([]float64{0.9, 0.1, 0.5}, 2)
	}))

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()
	n, err := ro.ProbabilitiesLabelCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	probs, _ := ro.LastProbabilities()
	assert.Equal(t, []float64{0.9, 0.1, 0.5}, probs)
}

func TestChangeDecisionAt(t *testing.T) {
	start := time.Date(2021, 5, 21, 10, 0, 0, 0, time.UTC)
	path := statePath(t)
	require.NoError(t, WithState(path, false, func(s *Store) error {
		require.NoError(t, s.SetRecordTable([]RecordID{1, 2}))
		require.NoError(t, s.Append(
			ResultEvent{RecordID: 1, Label: 1, TrainingSet: -1},
			ResultEvent{RecordID: 2, Label: 0, TrainingSet: -1},
		))

		require.NoError(t, s.ChangeDecisionAt(1, 0, start.Add(1500*time.Nanosecond)))
		err := s.ChangeDecisionAt(2, 1, start.Add(-time.Second))
		require.ErrorIs(t, err, ErrNonMonotonicTime)
		// A zero time never lands before the latest correction.
		return s.ChangeDecisionAt(2, 1, time.Time{})
	}, WithClock(func() time.Time { return start.Add(-time.Hour) })))

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()
	changes, err := ro.DecisionChanges()
	require.NoError(t, err)
	want := []DecisionChange{
		{RecordID: 1, NewLabel: 0, Time: start.Add(time.Microsecond)},
		{RecordID: 2, NewLabel: 1, Time: start.Add(time.Microsecond)},
	}
	assert.Equal(t, want, changes)
}
