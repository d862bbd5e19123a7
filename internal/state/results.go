package state

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// #region append
// Append adds events to the results log in the given order. The batch is
// written in one transaction: either every event is logged or none is.
// Events with a zero LabelingTime are stamped with the current time.
func (s *Store) Append(events ...ResultEvent) error {
	if err := s.checkWritable("append"); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	batch, err := s.prepareBatch(events)
	if err != nil {
		s.logger.Warn("append rejected", zap.Int("n", len(events)), zap.Error(err))
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.Prepare(
		`INSERT INTO results (record_ids, labels, classifiers, query_strategies, balance_strategies,
		                      feature_extraction, training_sets, labeling_times)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert result: %w", err)
	}
	defer ins.Close()

	del, err := tx.Prepare(`DELETE FROM pending WHERE record_ids = ?`)
	if err != nil {
		return fmt.Errorf("prepare resolve pending: %w", err)
	}
	defer del.Close()

	for _, e := range batch {
		if _, err := ins.Exec(e.RecordID, e.Label, e.Classifier, e.QueryStrategy, e.BalanceStrategy,
			e.FeatureExtraction, e.TrainingSet, e.LabelingTime.UnixMicro()); err != nil {
			return fmt.Errorf("insert result %d: %w", e.RecordID, err)
		}
		if _, ok := s.pending[e.RecordID]; ok {
			if _, err := del.Exec(e.RecordID); err != nil {
				return fmt.Errorf("resolve pending %d: %w", e.RecordID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, e := range batch {
		s.pushResult(e)
		delete(s.pending, e.RecordID)
	}
	s.logger.Debug("results appended", zap.Int("n", len(batch)), zap.Int("labeled", len(s.results)))
	return nil
}

// prepareBatch validates events against the log and returns a normalized copy.
func (s *Store) prepareBatch(events []ResultEvent) ([]ResultEvent, error) {
	batch := make([]ResultEvent, len(events))
	copy(batch, events)

	last := s.lastLabelingTime()
	seen := make(map[RecordID]struct{}, len(batch))
	for i := range batch {
		e := &batch[i]
		if _, ok := s.recordIdx[e.RecordID]; !ok {
			return nil, fmt.Errorf("append record %d: %w", e.RecordID, ErrUnknownRecord)
		}
		if _, ok := s.logged[e.RecordID]; ok {
			return nil, fmt.Errorf("append record %d: %w", e.RecordID, ErrDuplicateRecord)
		}
		if _, ok := seen[e.RecordID]; ok {
			return nil, fmt.Errorf("append record %d twice in one batch: %w", e.RecordID, ErrDuplicateRecord)
		}
		seen[e.RecordID] = struct{}{}

		if e.Label != Irrelevant && e.Label != Relevant {
			return nil, fmt.Errorf("append record %d: label %d: %w", e.RecordID, e.Label, ErrInvalidLabel)
		}
		if e.TrainingSet < PriorTrainingSet {
			return nil, fmt.Errorf("append record %d: training set %d: %w", e.RecordID, e.TrainingSet, ErrInvalidTrainingSet)
		}

		if e.LabelingTime.IsZero() {
			e.LabelingTime = s.now()
			if e.LabelingTime.Before(last) {
				e.LabelingTime = last
			}
		}
		e.LabelingTime = time.UnixMicro(e.LabelingTime.UnixMicro()).UTC()
		if e.LabelingTime.Before(last) {
			return nil, fmt.Errorf("append record %d at %s, last %s: %w",
				e.RecordID, e.LabelingTime.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano), ErrNonMonotonicTime)
		}
		last = e.LabelingTime
	}
	return batch, nil
}

// AddLabelingData appends a batch given as parallel columns.
func (s *Store) AddLabelingData(cols LabelingColumns) error {
	if err := s.checkWritable("add labeling data"); err != nil {
		return err
	}
	n := len(cols.RecordIDs)
	lengths := map[Column]int{
		ColumnLabels:            len(cols.Labels),
		ColumnClassifiers:       len(cols.Classifiers),
		ColumnQueryStrategies:   len(cols.QueryStrategies),
		ColumnBalanceStrategies: len(cols.BalanceStrategies),
		ColumnFeatureExtraction: len(cols.FeatureExtraction),
		ColumnTrainingSets:      len(cols.TrainingSets),
	}
	if cols.LabelingTimes != nil {
		lengths[ColumnLabelingTimes] = len(cols.LabelingTimes)
	}
	for _, c := range ResultColumns {
		if l, ok := lengths[c]; ok && l != n {
			return fmt.Errorf("add labeling data: %s has %d values, record_ids has %d: %w", c, l, n, ErrLengthMismatch)
		}
	}

	events := make([]ResultEvent, n)
	for i := range events {
		events[i] = ResultEvent{
			RecordID:          cols.RecordIDs[i],
			Label:             cols.Labels[i],
			Classifier:        cols.Classifiers[i],
			QueryStrategy:     cols.QueryStrategies[i],
			BalanceStrategy:   cols.BalanceStrategies[i],
			FeatureExtraction: cols.FeatureExtraction[i],
			TrainingSet:       cols.TrainingSets[i],
		}
		if cols.LabelingTimes != nil {
			events[i].LabelingTime = cols.LabelingTimes[i]
		}
	}
	return s.Append(events...)
}

func (s *Store) pushResult(e ResultEvent) {
	offset := len(s.results)
	s.results = append(s.results, e)
	s.logged[e.RecordID] = offset
	s.queries.add(offset, e.TrainingSet)
}

func (s *Store) lastLabelingTime() time.Time {
	if len(s.results) == 0 {
		return time.Time{}
	}
	return s.results[len(s.results)-1].LabelingTime
}

// #endregion append

// #region aggregates
// Count returns the number of labeled records.
func (s *Store) Count() (int, error) {
	if err := s.checkOpen("count"); err != nil {
		return 0, err
	}
	return len(s.results), nil
}

// NPriors returns the number of events labeled as prior knowledge.
func (s *Store) NPriors() (int, error) {
	if err := s.checkOpen("n priors"); err != nil {
		return 0, err
	}
	return s.queries.nPriors(), nil
}

// NModels returns the number of distinct model rounds seen in the log.
func (s *Store) NModels() (int, error) {
	if err := s.checkOpen("n models"); err != nil {
		return 0, err
	}
	return s.queries.nModels(), nil
}

// Query returns the events of query n projected to cols. Query 0 holds the priors.
func (s *Store) Query(n int, cols ...Column) (View, error) {
	if err := s.checkOpen("query"); err != nil {
		return View{}, err
	}
	offsets, ok := s.queries.offsets(n)
	if !ok {
		return View{}, fmt.Errorf("query %d of %d: %w", n, s.queries.nModels(), ErrQueryNotFound)
	}
	events := make([]ResultEvent, len(offsets))
	for i, off := range offsets {
		events[i] = s.results[off]
	}
	return Project(events, cols...)
}

// ByRecord returns the logged event for id.
func (s *Store) ByRecord(id RecordID) (ResultEvent, error) {
	if err := s.checkOpen("by record"); err != nil {
		return ResultEvent{}, err
	}
	off, ok := s.logged[id]
	if !ok {
		return ResultEvent{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return s.results[off], nil
}

// Dataset returns the whole log projected to cols.
func (s *Store) Dataset(cols ...Column) (View, error) {
	if err := s.checkOpen("dataset"); err != nil {
		return View{}, err
	}
	return Project(s.results, cols...)
}

// Events returns a copy of the log in append order.
func (s *Store) Events() ([]ResultEvent, error) {
	if err := s.checkOpen("events"); err != nil {
		return nil, err
	}
	return append([]ResultEvent(nil), s.results...), nil
}

// Pool returns the unlabeled records in record table order.
func (s *Store) Pool() ([]RecordID, error) {
	if err := s.checkOpen("pool"); err != nil {
		return nil, err
	}
	pool := make([]RecordID, 0, len(s.records)-len(s.results))
	for _, id := range s.records {
		if _, ok := s.logged[id]; !ok {
			pool = append(pool, id)
		}
	}
	return pool, nil
}

// #endregion aggregates

// #region column-accessors
func (s *Store) column(op string, c Column) (View, error) {
	if err := s.checkOpen(op); err != nil {
		return View{}, err
	}
	return Project(s.results, c)
}

// Ordering returns record ids in labeling order.
func (s *Store) Ordering() ([]RecordID, error) {
	v, err := s.column("ordering", ColumnRecordIDs)
	return v.RecordIDs, err
}

// Labels returns the logged labels in labeling order.
func (s *Store) Labels() ([]int, error) {
	v, err := s.column("labels", ColumnLabels)
	return v.Labels, err
}

// Classifiers returns the classifier tag of each event.
func (s *Store) Classifiers() ([]string, error) {
	v, err := s.column("classifiers", ColumnClassifiers)
	return v.Classifiers, err
}

// QueryStrategies returns the query strategy tag of each event.
func (s *Store) QueryStrategies() ([]string, error) {
	v, err := s.column("query strategies", ColumnQueryStrategies)
	return v.QueryStrategies, err
}

// BalanceStrategies returns the balance strategy tag of each event.
func (s *Store) BalanceStrategies() ([]string, error) {
	v, err := s.column("balance strategies", ColumnBalanceStrategies)
	return v.BalanceStrategies, err
}

// FeatureExtractions returns the feature extraction tag of each event.
func (s *Store) FeatureExtractions() ([]string, error) {
	v, err := s.column("feature extraction", ColumnFeatureExtraction)
	return v.FeatureExtraction, err
}

// TrainingSets returns the training set of each event.
func (s *Store) TrainingSets() ([]int, error) {
	v, err := s.column("training sets", ColumnTrainingSets)
	return v.TrainingSets, err
}

// LabelingTimes returns the labeling time of each event.
func (s *Store) LabelingTimes() ([]time.Time, error) {
	v, err := s.column("labeling times", ColumnLabelingTimes)
	return v.LabelingTimes, err
}

// #endregion column-accessors

// #region decision-changes
// ChangeDecision records a corrected label for an already logged record,
// stamped with the current time. The results log itself is never rewritten.
func (s *Store) ChangeDecision(id RecordID, newLabel int) error {
	return s.ChangeDecisionAt(id, newLabel, time.Time{})
}

// ChangeDecisionAt records a correction made at the given time. A zero time
// is stamped like ChangeDecision; an explicit time earlier than the latest
// correction fails with ErrNonMonotonicTime.
func (s *Store) ChangeDecisionAt(id RecordID, newLabel int, at time.Time) error {
	if err := s.checkWritable("change decision"); err != nil {
		return err
	}
	if _, ok := s.logged[id]; !ok {
		return fmt.Errorf("change decision %d: %w", id, ErrNotFound)
	}
	if newLabel != Irrelevant && newLabel != Relevant {
		return fmt.Errorf("change decision %d: label %d: %w", id, newLabel, ErrInvalidLabel)
	}

	var last time.Time
	if n := len(s.changes); n > 0 {
		last = s.changes[n-1].Time
	}
	if at.IsZero() {
		at = s.now()
		if at.Before(last) {
			at = last
		}
	}
	at = time.UnixMicro(at.UnixMicro()).UTC()
	if at.Before(last) {
		return fmt.Errorf("change decision %d at %s, last %s: %w",
			id, at.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano), ErrNonMonotonicTime)
	}
	c := DecisionChange{RecordID: id, NewLabel: newLabel, Time: at}
	_, err := s.db.Exec(
		`INSERT INTO decision_changes (record_ids, new_labels, time) VALUES (?, ?, ?)`,
		c.RecordID, c.NewLabel, c.Time.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert decision change %d: %w", id, err)
	}
	s.changes = append(s.changes, c)
	s.logger.Info("decision changed", zap.Int64("record_id", int64(id)), zap.Int("label", newLabel))
	return nil
}

// DecisionChanges returns every recorded correction in order.
func (s *Store) DecisionChanges() ([]DecisionChange, error) {
	if err := s.checkOpen("decision changes"); err != nil {
		return nil, err
	}
	return append([]DecisionChange(nil), s.changes...), nil
}

// CurrentLabel returns the latest label of id, taking corrections into account.
func (s *Store) CurrentLabel(id RecordID) (int, error) {
	if err := s.checkOpen("current label"); err != nil {
		return 0, err
	}
	off, ok := s.logged[id]
	if !ok {
		return 0, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	label := s.results[off].Label
	for _, c := range s.changes {
		if c.RecordID == id {
			label = c.NewLabel
		}
	}
	return label, nil
}

// CurrentLabels returns the latest label of every logged record, in labeling order.
func (s *Store) CurrentLabels() ([]int, error) {
	if err := s.checkOpen("current labels"); err != nil {
		return nil, err
	}
	labels := make([]int, len(s.results))
	for i, e := range s.results {
		labels[i] = e.Label
	}
	for _, c := range s.changes {
		labels[s.logged[c.RecordID]] = c.NewLabel
	}
	return labels, nil
}

// #endregion decision-changes
