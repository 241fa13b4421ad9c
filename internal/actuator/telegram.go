package actuator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// DefaultTelegramAPI is the public Bot API endpoint
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds Telegram alert configuration
type TelegramConfig struct {
	BotToken  string
	ChatID    string
	APIURL    string
	SessionID string
	Cooldown  time.Duration // Minimum time between two alerts of the same kind
	Timeout   time.Duration
}

// ValidateTelegramConfig checks the configuration before the actuator is created
func ValidateTelegramConfig(config TelegramConfig) error {
	if config.BotToken == "" {
		return errors.New("telegram bot token is required")
	}
	if config.ChatID == "" {
		return errors.New("telegram chat ID is required")
	}
	if config.Cooldown < 0 {
		return errors.New("telegram cooldown cannot be negative")
	}
	return nil
}

// telegramResponse is the envelope of every Bot API answer
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// TelegramActuator sends chat alerts when the driver needs attention.
// Alerts of the same kind are rate limited by a cooldown; silence is only
// announced after an alert went out.
type TelegramActuator struct {
	config TelegramConfig
	client *resty.Client
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	alerting        bool
	sent            int
}

// NewTelegramActuator creates the actuator
func NewTelegramActuator(config TelegramConfig, logger *zap.Logger) (*TelegramActuator, error) {
	if err := ValidateTelegramConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.APIURL == "" {
		config.APIURL = DefaultTelegramAPI
	}
	if config.Cooldown == 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(config.APIURL).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramActuator{
		config:          config,
		client:          client,
		logger:          logger,
		now:             time.Now,
		cooldownTracker: make(map[string]time.Time),
	}, nil
}

var _ pipeline.Actuator = (*TelegramActuator)(nil)

// PlayWarning alerts that the driver's face is not visible
func (t *TelegramActuator) PlayWarning(ctx context.Context) error {
	return t.alert(ctx, "warning", "⚠️ <b>Warning</b>: driver face not visible")
}

// PlayAlarm alerts that the driver fell asleep
func (t *TelegramActuator) PlayAlarm(ctx context.Context) error {
	return t.alert(ctx, "alarm", "🚨 <b>ALARM</b>: driver asleep at the wheel")
}

// Silence announces that the driver is awake again
func (t *TelegramActuator) Silence(ctx context.Context) error {
	t.mu.Lock()
	alerting := t.alerting
	t.alerting = false
	t.mu.Unlock()

	if !alerting {
		return nil
	}
	return t.SendMessage(ctx, t.format("✅ Driver awake, alerts cleared"))
}

// Sent returns the number of messages delivered
func (t *TelegramActuator) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *TelegramActuator) alert(ctx context.Context, kind, text string) error {
	t.mu.Lock()
	if !t.checkCooldown(kind) {
		t.mu.Unlock()
		t.logger.Debug("Alert suppressed by cooldown", zap.String("kind", kind))
		return nil
	}
	t.updateCooldown(kind)
	t.alerting = true
	t.mu.Unlock()

	return t.SendMessage(ctx, t.format(text))
}

func (t *TelegramActuator) format(text string) string {
	msg := fmt.Sprintf("%s\n<i>%s</i>", text, t.now().Format("15:04:05"))
	if t.config.SessionID != "" {
		msg += fmt.Sprintf("\nSession: <code>%s</code>", html.EscapeString(t.config.SessionID))
	}
	return msg
}

// SendMessage sends an HTML formatted text to the configured chat
func (t *TelegramActuator) SendMessage(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id":    t.config.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	result := &telegramResponse{}
	apiErr := &telegramResponse{}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(result).
		SetError(apiErr).
		Post("/bot" + t.config.BotToken + "/sendMessage")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	if resp.IsError() {
		if apiErr.Description != "" {
			return fmt.Errorf("telegram API error %d: %s", apiErr.ErrorCode, apiErr.Description)
		}
		return fmt.Errorf("telegram API returned %s", resp.Status())
	}
	if !result.OK {
		return fmt.Errorf("telegram API error %d: %s", result.ErrorCode, result.Description)
	}

	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return nil
}

// checkCooldown reports whether the cooldown for kind has elapsed. Caller holds mu.
func (t *TelegramActuator) checkCooldown(kind string) bool {
	last, ok := t.cooldownTracker[kind]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= t.config.Cooldown
}

// updateCooldown records the alert time for kind. Caller holds mu.
func (t *TelegramActuator) updateCooldown(kind string) {
	t.cooldownTracker[kind] = t.now()
}
