package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "review.sqlite", cfg.State.Path)
	assert.Equal(t, 5*time.Second, cfg.State.BusyTimeout)
	assert.Equal(t, "max", cfg.Review.QueryStrategy)
	assert.Equal(t, 1, cfg.Review.NInstances)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Ranker.Addr)
	assert.Equal(t, 2, cfg.Ranker.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Ranker.RetryBackoff)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "screening.yaml", `
state:
  path: /tmp/sr.sqlite
  busy_timeout: 250ms
ranker:
  addr: localhost:7070
  timeout: 2s
review:
  model: logistic
  query_strategy: mixed
  n_instances: 10
  seed: 42
log:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sr.sqlite", cfg.State.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.State.BusyTimeout)
	assert.Equal(t, "localhost:7070", cfg.Ranker.Addr)
	assert.Equal(t, 2*time.Second, cfg.Ranker.Timeout)
	assert.Equal(t, "mixed", cfg.Review.QueryStrategy)
	assert.Equal(t, int64(42), cfg.Review.Seed)
	assert.Equal(t, "console", cfg.Log.Format)
	// Unset keys keep their defaults.
	assert.Equal(t, "tfidf", cfg.Review.FeatureExtraction)

	settings := cfg.Review.Settings()
	assert.Equal(t, "logistic", settings.Model)
	assert.Equal(t, 10, settings.NInstances)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "screening.json", `{"state": {"path": "from-file.sqlite"}}`)
	t.Setenv("SCREENING_STATE_PATH", "from-env.sqlite")
	t.Setenv("SCREENING_REVIEW_N_INSTANCES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.sqlite", cfg.State.Path)
	assert.Equal(t, 3, cfg.Review.NInstances)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.State.Path = ""
	bad.Review.NInstances = 0
	bad.Review.QueryStrategy = "uncertainty"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.path")
	assert.Contains(t, err.Error(), "n_instances")
	assert.Contains(t, err.Error(), "uncertainty")

	bad = cfg
	bad.Review.MixRatio = 1.5
	assert.Error(t, bad.Validate())
}

func TestValidateRankerTimeout(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Ranker.Timeout = 0
	require.NoError(t, cfg.Validate(), "timeout is unused without an address")

	cfg.Ranker.Addr = "localhost:50051"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ranker.timeout")

	cfg.Ranker.Timeout = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "ranker.timeout")

	cfg.Ranker.Timeout = time.Second
	assert.NoError(t, cfg.Validate())
}

func TestStopThresholds(t *testing.T) {
	path := writeFile(t, "screening.yaml", `
review:
  stop_after_irrelevant: 50
  stop_at_share: 0.8
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	g := cfg.Review.Gate()
	assert.Equal(t, 50, g.MaxIrrelevantStreak)
	assert.Equal(t, 0.8, g.MaxReviewedShare)
	assert.Equal(t, 1, g.MinIncluded)

	bad := cfg
	bad.Review.StopAtShare = 2
	bad.Review.StopAfterIrrelevant = -1
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_at_share")
	assert.Contains(t, err.Error(), "stop_after_irrelevant")
}
