// Package actuator holds the sinks that make the driver notice: sounds,
// chat alerts, broker messages and the log.
package actuator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// Composite broadcasts every call to multiple actuators concurrently.
// Failures of individual sinks are joined; one failing sink never stops the others.
type Composite struct {
	actuators []pipeline.Actuator
}

// NewComposite creates an actuator that fans out to all non-nil actuators
func NewComposite(actuators ...pipeline.Actuator) *Composite {
	c := &Composite{}
	for _, a := range actuators {
		if a != nil {
			c.actuators = append(c.actuators, a)
		}
	}
	return c
}

var _ pipeline.Actuator = (*Composite)(nil)

// Len returns the number of sinks
func (c *Composite) Len() int { return len(c.actuators) }

// PlayWarning forwards the warning to all sinks
func (c *Composite) PlayWarning(ctx context.Context) error {
	return c.each(func(a pipeline.Actuator) error { return a.PlayWarning(ctx) })
}

// PlayAlarm forwards the alarm to all sinks
func (c *Composite) PlayAlarm(ctx context.Context) error {
	return c.each(func(a pipeline.Actuator) error { return a.PlayAlarm(ctx) })
}

// Silence forwards the silence request to all sinks
func (c *Composite) Silence(ctx context.Context) error {
	return c.each(func(a pipeline.Actuator) error { return a.Silence(ctx) })
}

func (c *Composite) each(call func(pipeline.Actuator) error) error {
	if len(c.actuators) == 1 {
		return call(c.actuators[0])
	}

	errs := make([]error, len(c.actuators))
	var wg sync.WaitGroup
	for i, a := range c.actuators {
		wg.Add(1)
		go func(i int, a pipeline.Actuator) {
			defer wg.Done()
			errs[i] = call(a)
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// LogActuator reports actions in the log only
type LogActuator struct {
	logger *zap.Logger

	mu    sync.Mutex
	calls []string
}

// NewLogActuator creates an actuator writing to logger
func NewLogActuator(logger *zap.Logger) *LogActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogActuator{logger: logger}
}

var _ pipeline.Actuator = (*LogActuator)(nil)

// PlayWarning logs the warning
func (l *LogActuator) PlayWarning(ctx context.Context) error {
	l.record("warning")
	l.logger.Warn("WARNING: driver face not visible")
	return nil
}

// PlayAlarm logs the alarm
func (l *LogActuator) PlayAlarm(ctx context.Context) error {
	l.record("alarm")
	l.logger.Error("ALARM: driver asleep")
	return nil
}

// Silence logs that alerts stopped
func (l *LogActuator) Silence(ctx context.Context) error {
	l.record("silence")
	l.logger.Info("Alerts silenced")
	return nil
}

// Calls returns the actions logged so far
func (l *LogActuator) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *LogActuator) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}
