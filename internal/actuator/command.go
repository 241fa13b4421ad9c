package actuator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// CommandConfig holds the sound commands of the CommandActuator
type CommandConfig struct {
	MixerCommand  []string // Run before every sound, e.g. unmute the PCM channel
	PlayerCommand []string // The sound path is appended as last argument
	WarningSound  string
	AlarmSound    string
}

// DefaultCommandConfig returns the ALSA commands used on the car unit
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		MixerCommand:  []string{"amixer", "set", "PCM", "unmute"},
		PlayerCommand: []string{"aplay"},
		WarningSound:  "wav/warning.wav",
		AlarmSound:    "wav/alarm.wav",
	}
}

// CommandActuator plays warning and alarm sounds with external commands.
// A playing sound is killed when its context is cancelled.
type CommandActuator struct {
	config CommandConfig
	logger *zap.Logger

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCommandActuator validates the commands and sound files
func NewCommandActuator(config CommandConfig, logger *zap.Logger) (*CommandActuator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(config.PlayerCommand) == 0 {
		return nil, errors.New("player command is required")
	}
	if _, err := exec.LookPath(config.PlayerCommand[0]); err != nil {
		return nil, fmt.Errorf("player %q not found: %w", config.PlayerCommand[0], err)
	}
	for _, sound := range []string{config.WarningSound, config.AlarmSound} {
		if _, err := os.Stat(sound); err != nil {
			return nil, fmt.Errorf("sound file unavailable: %w", err)
		}
	}
	if len(config.MixerCommand) > 0 {
		if _, err := exec.LookPath(config.MixerCommand[0]); err != nil {
			logger.Warn("Mixer command not found, sounds will play at current volume",
				zap.String("command", config.MixerCommand[0]))
			config.MixerCommand = nil
		}
	}

	return &CommandActuator{config: config, logger: logger}, nil
}

var _ pipeline.Actuator = (*CommandActuator)(nil)

// PlayWarning plays the warning sound until it ends or ctx is cancelled
func (c *CommandActuator) PlayWarning(ctx context.Context) error {
	return c.play(ctx, c.config.WarningSound)
}

// PlayAlarm plays the alarm sound until it ends or ctx is cancelled
func (c *CommandActuator) PlayAlarm(ctx context.Context) error {
	return c.play(ctx, c.config.AlarmSound)
}

// Silence kills a sound that is still playing
func (c *CommandActuator) Silence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Process != nil {
		if err := c.current.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to stop sound: %w", err)
		}
	}
	return nil
}

func (c *CommandActuator) play(ctx context.Context, sound string) error {
	if len(c.config.MixerCommand) > 0 {
		if err := c.run(ctx, c.config.MixerCommand); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Mixer command failed", zap.Error(err))
		}
	}

	args := append(append([]string(nil), c.config.PlayerCommand...), sound)
	if err := c.run(ctx, args); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to play %s: %w", sound, err)
	}
	return nil
}

func (c *CommandActuator) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.mu.Lock()
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.current = cmd
	c.mu.Unlock()

	err := cmd.Wait()

	c.mu.Lock()
	if c.current == cmd {
		c.current = nil
	}
	c.mu.Unlock()

	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
