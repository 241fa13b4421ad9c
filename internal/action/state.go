package action

import (
	"time"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// State is the alert currently requested from the actuator
type State int

const (
	Awake State = iota
	Warning
	Alarm
)

func (s State) String() string {
	switch s {
	case Awake:
		return "awake"
	case Warning:
		return "warning"
	case Alarm:
		return "alarm"
	default:
		return "unknown"
	}
}

// ForStatus maps an aggregated status to the alert it requires.
// The mapping is flat: the result depends only on status.
func ForStatus(status pipeline.SleepStatus) State {
	switch status {
	case pipeline.NoFace:
		return Warning
	case pipeline.Asleep:
		return Alarm
	default:
		return Awake
	}
}

// Flags are the per-sound switches the worker reads to pick a sound
type Flags struct {
	WarningActive bool `json:"warning_active"`
	AlarmActive   bool `json:"alarm_active"`
}

func flagsFor(s State) Flags {
	return Flags{
		WarningActive: s == Warning,
		AlarmActive:   s == Alarm,
	}
}

// Transition describes one state applied by the worker
type Transition struct {
	From     State         `json:"from"`
	To       State         `json:"to"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Recorder receives actuator counters. Implemented by internal/metrics.
type Recorder interface {
	ActuatorInvoked(state string)
	ActuatorFailed(state string)
}

type nopRecorder struct{}

func (nopRecorder) ActuatorInvoked(string) {}
func (nopRecorder) ActuatorFailed(string)  {}
