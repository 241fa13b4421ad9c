package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0", cfg.Camera.Device)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)
	assert.Equal(t, 10, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 10, cfg.Pipeline.StatusCapacity)
	assert.Equal(t, 10, cfg.Pipeline.Cycles)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pipeline.MicrosleepThreshold)
	assert.Equal(t, DetectorGRPC, cfg.Detector.Kind)
	assert.Equal(t, []string{SinkLog}, cfg.Actuator.Sinks)
	assert.Equal(t, []string{"aplay"}, cfg.Actuator.Sound.PlayerCommand)
	assert.False(t, cfg.HTTP.Enabled)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("CAMERA_DEVICE", "replay:testdata/frames")
	t.Setenv("CAMERA_LOOP", "false")
	t.Setenv("FRAME_QUEUE_CAPACITY", "4")
	t.Setenv("POP_TIMEOUT", "250")
	t.Setenv("MICROSLEEP_THRESHOLD", "2s")
	t.Setenv("CYCLES", "0")
	t.Setenv("DETECTOR_KIND", "Script")
	t.Setenv("ACTUATOR_SINKS", " log, MQTT ,")
	t.Setenv("SOUND_PLAYER_COMMAND", "paplay --volume 65536")
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	t.Setenv("HTTP_ENABLED", "true")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "replay:testdata/frames", cfg.Camera.Device)
	assert.False(t, cfg.Camera.Loop)
	assert.Equal(t, 4, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PopTimeout)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.MicrosleepThreshold)
	assert.Equal(t, 0, cfg.Pipeline.Cycles)
	assert.Equal(t, DetectorScript, cfg.Detector.Kind)
	assert.Equal(t, []string{SinkLog, SinkMQTT}, cfg.Actuator.Sinks)
	assert.Equal(t, []string{"paplay", "--volume", "65536"}, cfg.Actuator.Sound.PlayerCommand)
	assert.True(t, cfg.HasSink(SinkMQTT))
	assert.False(t, cfg.HasSink(SinkTelegram))
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MalformedValues(t *testing.T) {
	t.Setenv("CAMERA_WIDTH", "wide")
	t.Setenv("HTTP_ENABLED", "maybe")
	t.Setenv("POP_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAMERA_WIDTH")
	assert.Contains(t, err.Error(), "HTTP_ENABLED")
	assert.Contains(t, err.Error(), "POP_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero frame queue", func(c *Config) { c.Pipeline.QueueCapacity = 0 }, "frame queue capacity"},
		{"zero status queue", func(c *Config) { c.Pipeline.StatusCapacity = -1 }, "status queue capacity"},
		{"zero threshold", func(c *Config) { c.Pipeline.MicrosleepThreshold = 0 }, "microsleep threshold"},
		{"negative cycles", func(c *Config) { c.Pipeline.Cycles = -1 }, "cycles"},
		{"unknown detector", func(c *Config) { c.Detector.Kind = "opencv" }, "unknown detector kind"},
		{"grpc without endpoint", func(c *Config) { c.Detector.Endpoint = "" }, "detector endpoint"},
		{"unknown sink", func(c *Config) { c.Actuator.Sinks = []string{"buzzer"} }, "unknown actuator sink"},
		{"no sinks", func(c *Config) { c.Actuator.Sinks = nil }, "at least one actuator sink"},
		{"telegram without token", func(c *Config) { c.Actuator.Sinks = []string{SinkTelegram} }, "telegram bot token"},
		{"mqtt without broker", func(c *Config) { c.Actuator.Sinks = []string{SinkMQTT} }, "mqtt broker"},
		{"mqtt bad qos", func(c *Config) {
			c.Actuator.Sinks = []string{SinkMQTT}
			c.Actuator.MQTT.Broker = "tcp://broker:1883"
			c.Actuator.MQTT.QoS = 3
		}, "mqtt qos"},
		{"auth without password", func(c *Config) {
			c.HTTP.Enabled = true
			c.HTTP.Auth.Enabled = true
		}, "auth password"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Pipeline.QueueCapacity = 0
	cfg.Detector.Kind = "nope"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame queue capacity")
	assert.Contains(t, err.Error(), "unknown detector kind")
}
