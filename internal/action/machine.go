// Package action turns aggregated driver status into actuator commands.
//
// ChangeState only records the latest requested state and wakes the worker.
// The worker owns every actuator call, so a sound that plays for several
// seconds never blocks the aggregation loop. Requests that arrive while the
// worker is busy are coalesced: only the most recent one is applied.
package action

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// Machine is the asynchronous action state machine
type Machine struct {
	actuator pipeline.Actuator
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu          sync.RWMutex
	desired     State
	flags       Flags
	applied     State
	pending     bool
	playCancel  context.CancelFunc
	playGen     uint64
	invocations uint64
	failures    uint64
	onApplied   []func(Transition)

	// wake holds at most one pending signal
	wake    chan struct{}
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// Option configures a Machine
type Option func(*Machine)

// WithRecorder sets the actuator counter sink
func WithRecorder(r Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewMachine creates a machine in the Awake state. The worker is not started.
func NewMachine(actuator pipeline.Actuator, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		actuator: actuator,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		desired:  Awake,
		applied:  Awake,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ pipeline.StateMachine = (*Machine)(nil)

// OnApplied registers a hook invoked by the worker after every applied transition
func (m *Machine) OnApplied(fn func(Transition)) {
	m.mu.Lock()
	m.onApplied = append(m.onApplied, fn)
	m.mu.Unlock()
}

// ChangeState requests the alert matching status. It never touches the actuator.
// Repeating the current request is a no-op.
func (m *Machine) ChangeState(status pipeline.SleepStatus) {
	next := ForStatus(status)

	m.mu.Lock()
	if next == m.desired {
		m.mu.Unlock()
		return
	}
	previous := m.desired
	m.desired = next
	m.flags = flagsFor(next)
	m.pending = true
	// Cut a playing sound short; the worker picks up the new request next
	if m.playCancel != nil {
		m.playCancel()
		m.playCancel = nil
	}
	m.mu.Unlock()

	m.logger.Info("Action state changed",
		zap.String("from", previous.String()),
		zap.String("to", next.String()),
		zap.String("status", status.String()),
	)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// StateName returns the requested state name
func (m *Machine) StateName() string {
	return m.State().String()
}

// State returns the latest requested state
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desired
}

// Flags returns the sound switches for the latest request
func (m *Machine) Flags() Flags {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags
}

// Applied returns the state the worker last handed to the actuator
func (m *Machine) Applied() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// Pending reports whether a request is waiting for the worker
func (m *Machine) Pending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// Counts returns the number of actuator calls and failed calls
func (m *Machine) Counts() (invocations, failures uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invocations, m.failures
}

// Start launches the worker. Calling Start on a running machine does nothing.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.worker(m.stopCh)

	// A request recorded before Start must not be lost
	if m.pending {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	m.logger.Info("Action worker started")
}

// Stop terminates the worker and waits for it. A request that the worker has
// not consumed yet is applied first, so a final Awake always silences.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.playCancel != nil {
		m.playCancel()
		m.playCancel = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Action worker stopped", zap.String("state", m.Applied().String()))
}

func (m *Machine) worker(stopCh <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stopCh:
			m.apply()
			return
		case <-m.wake:
			m.apply()
		}
	}
}

// apply hands the latest request to the actuator if it differs from the applied state
func (m *Machine) apply() {
	m.mu.Lock()
	if !m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = false
	target := m.desired
	flags := m.flags
	from := m.applied
	if target == from {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.playGen++
	gen := m.playGen
	m.playCancel = cancel
	m.invocations++
	m.mu.Unlock()

	started := m.now()
	err := m.invoke(ctx, flags)
	elapsed := m.now().Sub(started)
	cancel()

	m.mu.Lock()
	if m.playGen == gen {
		m.playCancel = nil
	}
	m.applied = target
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		m.failures++
	}
	hooks := make([]func(Transition), len(m.onApplied))
	copy(hooks, m.onApplied)
	m.mu.Unlock()

	m.recorder.ActuatorInvoked(target.String())
	switch {
	case interrupted:
		m.logger.Debug("Actuator playback interrupted by a newer request",
			zap.String("state", target.String()),
			zap.Duration("played", elapsed),
		)
		err = nil
	case err != nil:
		m.recorder.ActuatorFailed(target.String())
		m.logger.Error("Actuator failed",
			zap.String("state", target.String()),
			zap.Error(err),
		)
	default:
		m.logger.Debug("Actuator applied state",
			zap.String("from", from.String()),
			zap.String("to", target.String()),
			zap.Duration("took", elapsed),
		)
	}

	t := Transition{From: from, To: target, Err: err, Duration: elapsed, At: started}
	for _, hook := range hooks {
		hook(t)
	}
}

// invoke picks the sound from the flags
func (m *Machine) invoke(ctx context.Context, flags Flags) error {
	if m.actuator == nil {
		return nil
	}
	switch {
	case flags.AlarmActive:
		return m.actuator.PlayAlarm(ctx)
	case flags.WarningActive:
		return m.actuator.PlayWarning(ctx)
	default:
		return m.actuator.Silence(ctx)
	}
}
