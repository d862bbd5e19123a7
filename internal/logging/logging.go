package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// #region config
// Config selects the logger level and encoding.
type Config struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | console
}

// New builds a zap logger. JSON output uses the production preset and
// console output the development preset; the level applies to both.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// #endregion config

// #region fields
// Event returns the fields describing one results log entry.
func Event(e state.ResultEvent) []zap.Field {
	return []zap.Field{
		zap.Int64("record_id", int64(e.RecordID)),
		zap.Int("label", e.Label),
		zap.String("classifier", e.Classifier),
		zap.String("query_strategy", e.QueryStrategy),
		zap.Int("training_set", e.TrainingSet),
		zap.Time("labeling_time", e.LabelingTime),
	}
}

// Settings returns the fields describing a review configuration.
func Settings(s state.Settings) []zap.Field {
	return []zap.Field{
		zap.String("model", s.Model),
		zap.String("query_strategy", s.QueryStrategy),
		zap.String("balance_strategy", s.BalanceStrategy),
		zap.String("feature_extraction", s.FeatureExtraction),
		zap.Int("n_instances", s.NInstances),
	}
}

// #endregion fields
