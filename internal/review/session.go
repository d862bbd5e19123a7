package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/metrics"
	"github.com/danielpatrickdp/screening-state/internal/query"
	"github.com/danielpatrickdp/screening-state/internal/ranker"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	ErrNoRanker     = errors.New("session has no ranker")
	ErrNotPending   = errors.New("record was not selected for labeling")
	ErrReviewClosed = errors.New("pool is exhausted")
)

// Tags written on prior knowledge events.
const (
	PriorClassifier = "initial"
	PriorStrategy   = "prior"
)

// #region session-struct
// Session drives one active-learning review over an open writable store.
type Session struct {
	store        *state.Store
	ranker       ranker.Ranker
	strategy     query.Strategy
	fallback     query.Strategy
	settings     state.Settings
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
	retrainEvery int

	// trainedOn is the label count the current probabilities were fitted on,
	// or PriorTrainingSet before the first model round.
	trainedOn    int
	sinceRetrain int
}

// Option configures a Session.
type Option func(*Session)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRetrainEvery retrains after every n labels. Values below 1 disable
// automatic retraining.
func WithRetrainEvery(n int) Option {
	return func(s *Session) { s.retrainEvery = n }
}

func withClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// #endregion session-struct

// #region constructor
// New attaches a session to store. r may be nil, in which case the strategy
// must work without probabilities. settings are written to a fresh store and
// replaced by the stored ones otherwise.
func New(store *state.Store, r ranker.Ranker, strategy query.Strategy, settings state.Settings, opts ...Option) (*Session, error) {
	if store.ReadOnly() {
		return nil, fmt.Errorf("review session: %w", state.ErrReadOnly)
	}
	s := &Session{
		store:        store,
		ranker:       r,
		strategy:     strategy,
		settings:     settings,
		fallback:     randomFallback(),
		metrics:      metrics.New(nil),
		logger:       zap.NewNop(),
		now:          time.Now,
		retrainEvery: 1,
		trainedOn:    state.PriorTrainingSet,
	}
	for _, o := range opts {
		o(s)
	}

	stored, err := store.Settings()
	if err != nil {
		return nil, err
	}
	if stored.IsZero() {
		if !settings.IsZero() {
			if err := store.SetSettings(settings); err != nil {
				return nil, err
			}
		}
	} else {
		s.settings = stored
	}

	if err := s.resume(); err != nil {
		return nil, err
	}
	s.logger.Info("review session ready", logging.Settings(s.settings)...)
	return s, nil
}

// resume recovers the model round from the stored probability cache.
func (s *Session) resume() error {
	n, err := s.store.Count()
	if err != nil {
		return err
	}
	trained, err := s.store.ProbabilitiesLabelCount()
	switch {
	case errors.Is(err, state.ErrNotFound):
		s.trainedOn = state.PriorTrainingSet
	case err != nil:
		return err
	default:
		s.trainedOn = trained
		s.sinceRetrain = n - trained
	}
	s.refreshPool()
	return nil
}

func (s *Session) refreshPool() {
	if pool, err := s.store.Pool(); err == nil {
		s.metrics.PoolSize.Set(float64(len(pool)))
	}
}

// #endregion constructor

// #region start
// Prior is a label supplied before any model is trained.
type Prior struct {
	RecordID state.RecordID
	Label    int
}

// Start sets the record universe when records is not empty, logs priors and
// runs the first model round when a ranker is attached.
func (s *Session) Start(ctx context.Context, records []state.RecordID, priors []Prior) error {
	if len(records) > 0 {
		if err := s.store.SetRecordTable(records); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		s.refreshPool()
	}
	if len(priors) > 0 {
		events := make([]state.ResultEvent, len(priors))
		for i, p := range priors {
			events[i] = state.ResultEvent{
				RecordID:          p.RecordID,
				Label:             p.Label,
				Classifier:        PriorClassifier,
				QueryStrategy:     PriorStrategy,
				BalanceStrategy:   PriorClassifier,
				FeatureExtraction: PriorClassifier,
				TrainingSet:       state.PriorTrainingSet,
			}
		}
		if err := s.append(events...); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if s.ranker == nil {
		return nil
	}
	return s.Retrain(ctx)
}

// #endregion start

// #region next
// Next returns up to n records to label. Outstanding selections are returned
// first; new picks are recorded as pending before they are returned.
func (s *Session) Next(ctx context.Context, n int) ([]state.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending, err := s.store.CurrentQueries()
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return s.pendingInTableOrder(pending)
	}

	pool, err := s.store.Pool()
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrReviewClosed
	}
	scores, err := s.poolScores(pool)
	if err != nil {
		return nil, err
	}
	strategy := s.strategy
	if scores == nil && strategy.Name() == string(query.Max) {
		strategy = s.fallback
	}
	picks, err := strategy.Select(pool, scores, n)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	ids := make([]state.RecordID, len(picks))
	for i, p := range picks {
		if err := s.store.RecordPending(p.RecordID, p.Strategy); err != nil {
			return nil, err
		}
		ids[i] = p.RecordID
	}
	s.logger.Debug("records selected", zap.Int("n", len(ids)), zap.String("strategy", strategy.Name()))
	return ids, nil
}

func (s *Session) pendingInTableOrder(pending map[state.RecordID]string) ([]state.RecordID, error) {
	table, err := s.store.RecordTable()
	if err != nil {
		return nil, err
	}
	pos := make(map[state.RecordID]int, len(table))
	for i, id := range table {
		pos[id] = i
	}
	ids := make([]state.RecordID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return pos[ids[a]] < pos[ids[b]] })
	return ids, nil
}

// poolScores aligns the stored probabilities with pool. Nil means no model yet.
func (s *Session) poolScores(pool []state.RecordID) ([]float64, error) {
	probs, err := s.store.LastProbabilities()
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	table, err := s.store.RecordTable()
	if err != nil {
		return nil, err
	}
	pos := make(map[state.RecordID]int, len(table))
	for i, id := range table {
		pos[id] = i
	}
	scores := make([]float64, len(pool))
	for i, id := range pool {
		scores[i] = probs[pos[id]]
	}
	return scores, nil
}

// randomFallback picks records before the first model round.
func randomFallback() query.Strategy {
	s, _ := query.New(query.Random, query.Config{})
	return s
}

// #endregion next

// #region label
// Label logs the decision for a selected record and retrains when due.
func (s *Session) Label(ctx context.Context, id state.RecordID, label int) error {
	pending, err := s.store.CurrentQueries()
	if err != nil {
		return err
	}
	strategy, ok := pending[id]
	if !ok {
		return fmt.Errorf("label record %d: %w", id, ErrNotPending)
	}
	e := state.ResultEvent{
		RecordID:          id,
		Label:             label,
		Classifier:        s.settings.Model,
		QueryStrategy:     strategy,
		BalanceStrategy:   s.settings.BalanceStrategy,
		FeatureExtraction: s.settings.FeatureExtraction,
		TrainingSet:       s.trainedOn,
	}
	if s.trainedOn == state.PriorTrainingSet {
		e.Classifier = PriorClassifier
		e.BalanceStrategy = PriorClassifier
		e.FeatureExtraction = PriorClassifier
	}
	if err := s.append(e); err != nil {
		return err
	}
	s.sinceRetrain++

	if s.ranker != nil && s.retrainEvery > 0 && s.sinceRetrain >= s.retrainEvery {
		return s.Retrain(ctx)
	}
	return nil
}

// Relabel corrects an earlier decision without rewriting the log.
func (s *Session) Relabel(id state.RecordID, label int) error {
	return s.store.ChangeDecision(id, label)
}

func (s *Session) append(events ...state.ResultEvent) error {
	if err := s.store.Append(events...); err != nil {
		s.metrics.ObserveAppendError(err)
		return err
	}
	debug := s.logger.Core().Enabled(zap.DebugLevel)
	for _, e := range events {
		s.metrics.ObserveLabel(e.Label)
		if !debug {
			continue
		}
		// The store stamps the labeling time, so log the stored row.
		stored, err := s.store.ByRecord(e.RecordID)
		if err != nil {
			s.logger.Warn("reading labeled record", zap.Int64("record_id", int64(e.RecordID)), zap.Error(err))
			continue
		}
		s.logger.Debug("labeled", logging.Event(stored)...)
	}
	s.refreshPool()
	return nil
}

// #endregion label

// #region retrain
// Retrain scores the whole record table with the labels so far. It is a no-op
// until both classes have been labeled. Outstanding selections are dropped
// because they were chosen by the previous model.
func (s *Session) Retrain(ctx context.Context) error {
	if s.ranker == nil {
		return ErrNoRanker
	}
	labeled, err := s.store.Ordering()
	if err != nil {
		return err
	}
	labels, err := s.store.CurrentLabels()
	if err != nil {
		return err
	}
	if !bothClasses(labels) {
		s.logger.Debug("retrain skipped: need relevant and irrelevant labels", zap.Int("labeled", len(labels)))
		return nil
	}
	table, err := s.store.RecordTable()
	if err != nil {
		return err
	}

	start := s.now()
	resp, err := s.ranker.Rank(ctx, ranker.Request{
		RecordIDs:         table,
		LabeledIDs:        labeled,
		Labels:            labels,
		Model:             s.settings.Model,
		FeatureExtraction: s.settings.FeatureExtraction,
		BalanceStrategy:   s.settings.BalanceStrategy,
	})
	if err != nil {
		return fmt.Errorf("retrain: %w", err)
	}
	if err := s.store.SetLastProbabilities(resp.Probabilities); err != nil {
		return fmt.Errorf("retrain: %w", err)
	}
	if err := s.store.ClearPending(); err != nil {
		return fmt.Errorf("retrain: %w", err)
	}
	elapsed := s.now().Sub(start)

	s.trainedOn = len(labels)
	s.sinceRetrain = 0
	s.metrics.ModelRounds.Inc()
	s.metrics.RetrainDuration.Observe(elapsed.Seconds())
	s.logger.Info("model retrained", zap.Int("trained_on", s.trainedOn), zap.Duration("elapsed", elapsed))
	return nil
}

func bothClasses(labels []int) bool {
	var rel, irr bool
	for _, l := range labels {
		if l == state.Relevant {
			rel = true
		} else {
			irr = true
		}
	}
	return rel && irr
}

// #endregion retrain
