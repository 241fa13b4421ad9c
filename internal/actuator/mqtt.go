package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// MQTTConfig holds broker settings for the MQTTActuator
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	SessionID      string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// StateMessage is published retained on the state topic on every action
type StateMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// publisher is the part of mqtt.Client the actuator uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTActuator publishes the action state so dashboards and other vehicle
// units can react. Messages are retained: a late subscriber sees the current state.
type MQTTActuator struct {
	config MQTTConfig
	client publisher
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTActuator connects to the broker
func NewMQTTActuator(config MQTTConfig, logger *zap.Logger) (*MQTTActuator, error) {
	if config.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", zap.String("broker", config.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", zap.String("broker", config.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return newMQTTActuator(client, config, logger), nil
}

func newMQTTActuator(client publisher, config MQTTConfig, logger *zap.Logger) *MQTTActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTActuator{
		config: config.withDefaults(),
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = "wakeomatic-" + uuid.NewString()[:8]
	}
	if c.Topic == "" {
		c.Topic = "wakeomatic/state"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

var _ pipeline.Actuator = (*MQTTActuator)(nil)

// PlayWarning publishes the warning state
func (m *MQTTActuator) PlayWarning(ctx context.Context) error { return m.publish(ctx, "warning") }

// PlayAlarm publishes the alarm state
func (m *MQTTActuator) PlayAlarm(ctx context.Context) error { return m.publish(ctx, "alarm") }

// Silence publishes the awake state
func (m *MQTTActuator) Silence(ctx context.Context) error { return m.publish(ctx, "awake") }

// Counts returns published messages and failed publishes
func (m *MQTTActuator) Counts() (published, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.errors
}

// Close disconnects from the broker
func (m *MQTTActuator) Close() {
	m.client.Disconnect(250)
}

func (m *MQTTActuator) publish(ctx context.Context, state string) error {
	payload, err := json.Marshal(StateMessage{
		ID:        uuid.NewString(),
		SessionID: m.config.SessionID,
		State:     state,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state message: %w", err)
	}

	token := m.client.Publish(m.config.Topic, m.config.QoS, true, payload)

	timer := time.NewTimer(m.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		m.failed()
		return fmt.Errorf("publish to %s timed out", m.config.Topic)
	}
	if err := token.Error(); err != nil {
		m.failed()
		return fmt.Errorf("failed to publish to topic %s: %w", m.config.Topic, err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	return nil
}

func (m *MQTTActuator) failed() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
