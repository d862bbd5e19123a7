package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		cfg  Config
		want zapcore.Level
	}{
		{Config{}, zapcore.InfoLevel},
		{Config{Level: "debug", Format: "console"}, zapcore.DebugLevel},
		{Config{Level: "WARN", Format: "json"}, zapcore.WarnLevel},
		{Config{Level: "error"}, zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		logger, err := New(tc.cfg)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(tc.want), "%+v should enable %s", tc.cfg, tc.want)
		if tc.want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(tc.want-1), "%+v should not enable %s", tc.cfg, tc.want-1)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestEventFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	logger.Info("labeled", Event(state.ResultEvent{
		RecordID:      42,
		Label:         state.Relevant,
		Classifier:    "nb",
		QueryStrategy: "max",
		TrainingSet:   7,
		LabelingTime:  at,
	})...)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(42), fields["record_id"])
	assert.Equal(t, int64(1), fields["label"])
	assert.Equal(t, "max", fields["query_strategy"])
	assert.Equal(t, int64(7), fields["training_set"])
	logged, ok := fields["labeling_time"].(time.Time)
	require.True(t, ok)
	assert.True(t, at.Equal(logged))
}

func TestSettingsFields(t *testing.T) {
	fields := Settings(state.Settings{Model: "nb", NInstances: 5})
	require.Len(t, fields, 5)
	assert.Equal(t, "model", fields[0].Key)
	assert.Equal(t, "nb", fields[0].String)
}
