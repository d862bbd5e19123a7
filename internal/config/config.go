package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/danielpatrickdp/screening-state/internal/gate"
	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

// EnvPrefix prefixes every environment override, e.g. SCREENING_STATE_PATH.
const EnvPrefix = "screening"

type Config struct {
	State   StateConfig    `mapstructure:"state"`
	Ranker  RankerConfig   `mapstructure:"ranker"`
	Review  ReviewConfig   `mapstructure:"review"`
	Log     logging.Config `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

type StateConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RankerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type ReviewConfig struct {
	Model             string  `mapstructure:"model"`
	QueryStrategy     string  `mapstructure:"query_strategy"`
	BalanceStrategy   string  `mapstructure:"balance_strategy"`
	FeatureExtraction string  `mapstructure:"feature_extraction"`
	NInstances        int     `mapstructure:"n_instances"`
	RetrainEvery      int     `mapstructure:"retrain_every"`
	MixRatio          float64 `mapstructure:"mix_ratio"`
	Seed              int64   `mapstructure:"seed"`

	StopAfterIrrelevant int     `mapstructure:"stop_after_irrelevant"` // 0 disables
	StopAtShare         float64 `mapstructure:"stop_at_share"`         // 0 disables
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Settings converts the review section into the settings stored with a state.
func (r ReviewConfig) Settings() state.Settings {
	return state.Settings{
		Model:             r.Model,
		QueryStrategy:     r.QueryStrategy,
		BalanceStrategy:   r.BalanceStrategy,
		FeatureExtraction: r.FeatureExtraction,
		NInstances:        r.NInstances,
	}
}

// Gate converts the stopping thresholds into a gate configuration.
func (r ReviewConfig) Gate() gate.Config {
	c := gate.DefaultConfig()
	c.MaxIrrelevantStreak = r.StopAfterIrrelevant
	c.MaxReviewedShare = r.StopAtShare
	return c
}

// Load reads path (YAML, TOML or JSON by extension) and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state.path", "review.sqlite")
	v.SetDefault("state.busy_timeout", 5*time.Second)
	v.SetDefault("ranker.addr", "")
	v.SetDefault("ranker.timeout", 30*time.Second)
	v.SetDefault("ranker.max_retries", 2)
	v.SetDefault("ranker.retry_backoff", 500*time.Millisecond)
	v.SetDefault("review.model", "nb")
	v.SetDefault("review.query_strategy", "max")
	v.SetDefault("review.balance_strategy", "double")
	v.SetDefault("review.feature_extraction", "tfidf")
	v.SetDefault("review.n_instances", 1)
	v.SetDefault("review.retrain_every", 1)
	v.SetDefault("review.mix_ratio", 0.95)
	v.SetDefault("review.seed", 0)
	v.SetDefault("review.stop_after_irrelevant", 0)
	v.SetDefault("review.stop_at_share", 0.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", "")
}

func (c Config) Validate() error {
	var errs []error
	if c.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if c.State.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("state.busy_timeout must not be negative, got %s", c.State.BusyTimeout))
	}
	if c.Ranker.Addr != "" && c.Ranker.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("ranker.timeout must be positive when ranker.addr is set, got %s", c.Ranker.Timeout))
	}
	if c.Ranker.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("ranker.max_retries must not be negative, got %d", c.Ranker.MaxRetries))
	}
	if c.Review.NInstances < 1 {
		errs = append(errs, fmt.Errorf("review.n_instances must be at least 1, got %d", c.Review.NInstances))
	}
	if c.Review.RetrainEvery < 1 {
		errs = append(errs, fmt.Errorf("review.retrain_every must be at least 1, got %d", c.Review.RetrainEvery))
	}
	if c.Review.MixRatio < 0 || c.Review.MixRatio > 1 {
		errs = append(errs, fmt.Errorf("review.mix_ratio must be within [0, 1], got %g", c.Review.MixRatio))
	}
	if c.Review.StopAfterIrrelevant < 0 {
		errs = append(errs, fmt.Errorf("review.stop_after_irrelevant must not be negative, got %d", c.Review.StopAfterIrrelevant))
	}
	if c.Review.StopAtShare < 0 || c.Review.StopAtShare > 1 {
		errs = append(errs, fmt.Errorf("review.stop_at_share must be within [0, 1], got %g", c.Review.StopAtShare))
	}
	switch c.Review.QueryStrategy {
	case "max", "random", "mixed":
	default:
		errs = append(errs, fmt.Errorf("review.query_strategy %q is not one of max, random, mixed", c.Review.QueryStrategy))
	}
	return errors.Join(errs...)
}
