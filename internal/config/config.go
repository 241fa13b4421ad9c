// Package config loads the wake-o-matic configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Detector kinds
const (
	DetectorGRPC   = "grpc"
	DetectorScript = "script"
)

// Actuator sinks
const (
	SinkLog      = "log"
	SinkSound    = "sound"
	SinkTelegram = "telegram"
	SinkMQTT     = "mqtt"
)

// Config is the complete process configuration
type Config struct {
	Camera   CameraConfig
	Pipeline PipelineConfig
	Detector DetectorConfig
	Actuator ActuatorConfig
	HTTP     HTTPConfig
	Journal  JournalConfig
	Log      LogConfig
}

// CameraConfig selects and shapes the frame source
type CameraConfig struct {
	Device      string // "0", /dev/videoN, rtsp://, http://, replay:<dir>, synthetic
	Width       int
	Height      int
	FPS         int
	FFmpegPath  string
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	Loop        bool
}

// PipelineConfig holds the supervisor timings and capacities
type PipelineConfig struct {
	QueueCapacity       int
	StatusCapacity      int
	PopTimeout          time.Duration
	AggregateTimeout    time.Duration
	RetryBackoff        time.Duration
	CaptureInterval     time.Duration
	CycleInterval       time.Duration
	Cycles              int // 0 runs until interrupted
	StatusLogEvery      int
	MicrosleepThreshold time.Duration
}

// DetectorConfig selects the eye-state classifier
type DetectorConfig struct {
	Kind        string
	Endpoint    string
	CallTimeout time.Duration
	DialTimeout time.Duration
	Script      string
}

// ActuatorConfig lists the alert sinks and their settings
type ActuatorConfig struct {
	Sinks    []string
	Sound    SoundConfig
	Telegram TelegramConfig
	MQTT     MQTTConfig
}

// SoundConfig holds the commands of the sound sink
type SoundConfig struct {
	MixerCommand  []string
	PlayerCommand []string
	WarningSound  string
	AlarmSound    string
}

// TelegramConfig holds the chat alert settings
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
	Cooldown time.Duration
}

// MQTTConfig holds the broker settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
}

// HTTPConfig holds the debug API settings
type HTTPConfig struct {
	Enabled bool
	Addr    string
	Auth    AuthConfig
}

// AuthConfig holds the debug API credentials
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// JournalConfig holds the session journal settings
type JournalConfig struct {
	Enabled bool
	DSN     string
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// Load reads the configuration from environment variables, falling back to defaults.
// Malformed values are reported together.
func Load() (*Config, error) {
	e := &envReader{}
	cfg := &Config{}

	cfg.Camera.Device = e.str("CAMERA_DEVICE", "0")
	cfg.Camera.Width = e.int("CAMERA_WIDTH", 640)
	cfg.Camera.Height = e.int("CAMERA_HEIGHT", 480)
	cfg.Camera.FPS = e.int("CAMERA_FPS", 30)
	cfg.Camera.FFmpegPath = e.str("FFMPEG_PATH", "ffmpeg")
	cfg.Camera.OpenTimeout = e.duration("CAMERA_OPEN_TIMEOUT", 5*time.Second)
	cfg.Camera.ReadTimeout = e.duration("CAMERA_READ_TIMEOUT", time.Second)
	cfg.Camera.Loop = e.bool("CAMERA_LOOP", true)

	cfg.Pipeline.QueueCapacity = e.int("FRAME_QUEUE_CAPACITY", 10)
	cfg.Pipeline.StatusCapacity = e.int("STATUS_QUEUE_CAPACITY", 10)
	cfg.Pipeline.PopTimeout = e.duration("POP_TIMEOUT", 500*time.Millisecond)
	cfg.Pipeline.AggregateTimeout = e.duration("AGGREGATE_TIMEOUT", 5*time.Second)
	cfg.Pipeline.RetryBackoff = e.duration("RETRY_BACKOFF", 500*time.Millisecond)
	cfg.Pipeline.CaptureInterval = e.duration("CAPTURE_INTERVAL", 30*time.Millisecond)
	cfg.Pipeline.CycleInterval = e.duration("CYCLE_INTERVAL", time.Second)
	cfg.Pipeline.Cycles = e.int("CYCLES", 10)
	cfg.Pipeline.StatusLogEvery = e.int("STATUS_LOG_EVERY", 30)
	cfg.Pipeline.MicrosleepThreshold = e.duration("MICROSLEEP_THRESHOLD", 1500*time.Millisecond)

	cfg.Detector.Kind = strings.ToLower(e.str("DETECTOR_KIND", DetectorGRPC))
	cfg.Detector.Endpoint = e.str("DETECTOR_ENDPOINT", "localhost:50051")
	cfg.Detector.CallTimeout = e.duration("DETECTOR_CALL_TIMEOUT", 500*time.Millisecond)
	cfg.Detector.DialTimeout = e.duration("DETECTOR_DIAL_TIMEOUT", 10*time.Second)
	cfg.Detector.Script = e.str("DETECTOR_SCRIPT", "open:30,closed:60,none:10")

	cfg.Actuator.Sinks = e.list("ACTUATOR_SINKS", []string{SinkLog})
	cfg.Actuator.Sound.MixerCommand = e.fields("SOUND_MIXER_COMMAND", []string{"amixer", "set", "PCM", "unmute"})
	cfg.Actuator.Sound.PlayerCommand = e.fields("SOUND_PLAYER_COMMAND", []string{"aplay"})
	cfg.Actuator.Sound.WarningSound = e.str("SOUND_WARNING", "wav/warning.wav")
	cfg.Actuator.Sound.AlarmSound = e.str("SOUND_ALARM", "wav/alarm.wav")
	cfg.Actuator.Telegram.BotToken = e.str("TELEGRAM_BOT_TOKEN", "")
	cfg.Actuator.Telegram.ChatID = e.str("TELEGRAM_CHAT_ID", "")
	cfg.Actuator.Telegram.APIURL = e.str("TELEGRAM_API_URL", "https://api.telegram.org")
	cfg.Actuator.Telegram.Cooldown = e.duration("TELEGRAM_COOLDOWN", 30*time.Second)
	cfg.Actuator.MQTT.Broker = e.str("MQTT_BROKER", "")
	cfg.Actuator.MQTT.ClientID = e.str("MQTT_CLIENT_ID", "")
	cfg.Actuator.MQTT.Username = e.str("MQTT_USERNAME", "")
	cfg.Actuator.MQTT.Password = e.str("MQTT_PASSWORD", "")
	cfg.Actuator.MQTT.Topic = e.str("MQTT_TOPIC", "wakeomatic/state")
	cfg.Actuator.MQTT.QoS = e.int("MQTT_QOS", 1)

	cfg.HTTP.Enabled = e.bool("HTTP_ENABLED", false)
	cfg.HTTP.Addr = e.str("HTTP_ADDR", "127.0.0.1:8080")
	cfg.HTTP.Auth.Enabled = e.bool("AUTH_ENABLED", false)
	cfg.HTTP.Auth.Username = e.str("AUTH_USERNAME", "admin")
	cfg.HTTP.Auth.Password = e.str("AUTH_PASSWORD", "")
	cfg.HTTP.Auth.JWTSecret = e.str("JWT_SECRET", "")
	cfg.HTTP.Auth.JWTExpiry = e.duration("JWT_EXPIRY", 24*time.Hour)

	cfg.Journal.Enabled = e.bool("JOURNAL_ENABLED", true)
	cfg.Journal.DSN = e.str("JOURNAL_DSN", "file:wakeomatic?mode=memory&cache=shared")

	cfg.Log.Level = strings.ToLower(e.str("LOG_LEVEL", "info"))
	cfg.Log.Format = strings.ToLower(e.str("LOG_FORMAT", "console"))

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasSink reports whether the named actuator sink is enabled
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Actuator.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Camera.Device != "", "camera device is required")
	check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	check(c.Camera.FPS > 0, "camera fps must be positive, got %d", c.Camera.FPS)

	p := c.Pipeline
	check(p.QueueCapacity > 0, "frame queue capacity must be positive, got %d", p.QueueCapacity)
	check(p.StatusCapacity > 0, "status queue capacity must be positive, got %d", p.StatusCapacity)
	check(p.PopTimeout > 0, "pop timeout must be positive")
	check(p.AggregateTimeout > 0, "aggregate timeout must be positive")
	check(p.RetryBackoff > 0, "retry backoff must be positive")
	check(p.CaptureInterval >= 0, "capture interval cannot be negative")
	check(p.CycleInterval >= 0, "cycle interval cannot be negative")
	check(p.Cycles >= 0, "cycles cannot be negative, got %d", p.Cycles)
	check(p.MicrosleepThreshold > 0, "microsleep threshold must be positive")

	switch c.Detector.Kind {
	case DetectorGRPC:
		check(c.Detector.Endpoint != "", "detector endpoint is required for kind %q", DetectorGRPC)
	case DetectorScript:
		check(strings.TrimSpace(c.Detector.Script) != "", "detector script is required for kind %q", DetectorScript)
	default:
		errs = append(errs, fmt.Errorf("unknown detector kind %q (valid: grpc, script)", c.Detector.Kind))
	}

	check(len(c.Actuator.Sinks) > 0, "at least one actuator sink is required")
	for _, sink := range c.Actuator.Sinks {
		switch sink {
		case SinkLog:
		case SinkSound:
			check(len(c.Actuator.Sound.PlayerCommand) > 0, "sound player command is required")
		case SinkTelegram:
			check(c.Actuator.Telegram.BotToken != "", "telegram bot token is required")
			check(c.Actuator.Telegram.ChatID != "", "telegram chat ID is required")
			check(c.Actuator.Telegram.Cooldown >= 0, "telegram cooldown cannot be negative")
		case SinkMQTT:
			check(c.Actuator.MQTT.Broker != "", "mqtt broker is required")
			check(c.Actuator.MQTT.QoS >= 0 && c.Actuator.MQTT.QoS <= 2, "mqtt qos must be 0, 1 or 2, got %d", c.Actuator.MQTT.QoS)
		default:
			errs = append(errs, fmt.Errorf("unknown actuator sink %q (valid: log, sound, telegram, mqtt)", sink))
		}
	}

	if c.HTTP.Enabled {
		check(c.HTTP.Addr != "", "http listen address is required")
		if c.HTTP.Auth.Enabled {
			check(c.HTTP.Auth.Password != "", "auth password is required when auth is enabled")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (valid: json, console)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// envReader reads typed environment variables and collects parse errors
type envReader struct {
	errs []error
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e *envReader) str(key, def string) string {
	return getEnv(key, def)
}

func (e *envReader) int(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

func (e *envReader) bool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return def
	}
	return v
}

// duration accepts Go durations ("1.5s") or plain milliseconds ("1500")
func (e *envReader) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}

// list splits a comma separated value
func (e *envReader) list(key string, def []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// fields splits a command line on whitespace
func (e *envReader) fields(key string, def []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	return strings.Fields(raw)
}
