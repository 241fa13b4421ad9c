package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Faffstifu/wake-o-matic/internal/config"
	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

func TestNewDetector_Script(t *testing.T) {
	d, closeFn, err := newDetector(context.Background(), config.DetectorConfig{
		Kind:   config.DetectorScript,
		Script: "closed:2",
	}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	class, err := d.Classify(context.Background(), &pipeline.Frame{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.EyesClosed, class)
}

func TestNewDetector_Errors(t *testing.T) {
	_, _, err := newDetector(context.Background(), config.DetectorConfig{Kind: config.DetectorScript, Script: "blink:x"}, zap.NewNop())
	assert.Error(t, err)

	_, _, err = newDetector(context.Background(), config.DetectorConfig{Kind: "opencv"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewActuators(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	composite, closeFn, err := newActuators(cfg, "s-1", zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, 1, composite.Len())
	assert.NoError(t, composite.PlayAlarm(context.Background()))

	cfg.Actuator.Sinks = []string{config.SinkLog, config.SinkTelegram}
	_, _, err = newActuators(cfg, "s-1", zap.NewNop())
	assert.ErrorContains(t, err, "telegram actuator")

	cfg.Actuator.Sinks = []string{"buzzer"}
	_, _, err = newActuators(cfg, "s-1", zap.NewNop())
	assert.ErrorContains(t, err, "unknown actuator sink")
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = initLogger(config.LogConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}
