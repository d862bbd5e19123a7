package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// Metrics holds the review session collectors.
type Metrics struct {
	LabelsAppended  *prometheus.CounterVec
	AppendFailures  *prometheus.CounterVec
	ModelRounds     prometheus.Counter
	RetrainDuration prometheus.Histogram
	PoolSize        prometheus.Gauge
}

// New registers the collectors on reg. A nil reg keeps them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LabelsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_labels_appended_total",
			Help: "Result events appended to the review state, by label",
		}, []string{"label"}),
		AppendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_append_failures_total",
			Help: "Rejected appends, by error kind",
		}, []string{"kind"}),
		ModelRounds: f.NewCounter(prometheus.CounterOpts{
			Name: "screening_model_rounds_total",
			Help: "Completed ranker retrains",
		}),
		RetrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "screening_retrain_duration_seconds",
			Help:    "Time to score the record table",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		PoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "screening_pool_size",
			Help: "Records not yet labeled",
		}),
	}
}

// ObserveLabel counts one appended label.
func (m *Metrics) ObserveLabel(label int) {
	name := "irrelevant"
	if label == state.Relevant {
		name = "relevant"
	}
	m.LabelsAppended.WithLabelValues(name).Inc()
}

// ObserveAppendError counts a failed append under a coarse error kind.
func (m *Metrics) ObserveAppendError(err error) {
	m.AppendFailures.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind maps store errors onto a small fixed label set.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, state.ErrDuplicateRecord):
		return "duplicate"
	case errors.Is(err, state.ErrUnknownRecord):
		return "unknown_record"
	case errors.Is(err, state.ErrNonMonotonicTime):
		return "non_monotonic_time"
	case errors.Is(err, state.ErrInvalidLabel), errors.Is(err, state.ErrInvalidTrainingSet):
		return "invalid"
	case errors.Is(err, state.ErrReadOnly), errors.Is(err, state.ErrClosed):
		return "unavailable"
	default:
		return "storage"
	}
}
