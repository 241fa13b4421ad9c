package pipeline

import (
	"context"
	"errors"
)

var (
	// ErrNotStarted is returned by Run before Start
	ErrNotStarted = errors.New("pipeline not started")
	// ErrStopped is returned by Start and Run once the pipeline has been stopped
	ErrStopped = errors.New("pipeline stopped")
	// ErrAlreadyRunning is returned by Run while another Run is active
	ErrAlreadyRunning = errors.New("aggregation loop already running")
	// ErrSourceClosed is returned by ReadFrame after Close
	ErrSourceClosed = errors.New("frame source closed")
)

// FrameSource acquires frames from a camera device
type FrameSource interface {
	// Open prepares the device. A failure here is fatal for the pipeline.
	Open(ctx context.Context, deviceID string) error

	// ReadFrame returns the next frame, or nil when no frame is available yet.
	// Callers retry empty reads with a backoff.
	ReadFrame(ctx context.Context) (*Frame, error)

	// Close releases the device and unblocks a pending ReadFrame
	Close() error
}

// Detector classifies a single frame into a face/eye state.
// Implementations must be pure per frame and return within bounded time.
type Detector interface {
	Classify(ctx context.Context, frame *Frame) (Classification, error)
}

// Actuator plays the audible alerts.
// Errors are reported for logging only; the pipeline never recovers from them.
type Actuator interface {
	PlayWarning(ctx context.Context) error
	PlayAlarm(ctx context.Context) error
	Silence(ctx context.Context) error
}

// Aggregator turns drained observations into a stable status.
// Implemented by internal/sleep.
type Aggregator interface {
	// LoadAll applies a burst in order; changed reports a status transition
	LoadAll(batch []Observation) (status SleepStatus, changed bool)
	Status() SleepStatus
}

// StateMachine receives aggregated status transitions
type StateMachine interface {
	// ChangeState records the desired state; it must not block on actuator I/O
	ChangeState(status SleepStatus)

	// StateName returns the currently requested action state
	StateName() string

	Start()
	Stop()
}

// EventHandler receives status and diagnostic events from the pipeline
type EventHandler interface {
	OnStatus(event *StatusEvent)
	OnDiagnostic(event *DiagnosticEvent)
}

// FrameObserver receives every frame handed to the detector together with its classification.
// Used by the debug overlay.
type FrameObserver interface {
	ObserveFrame(frame *Frame, class Classification)
}

// Recorder receives counter updates. Implemented by internal/metrics.
type Recorder interface {
	FrameCaptured()
	FrameDropped()
	EmptyRead()
	Classified(class Classification)
	StatusDropped()
	DetectorError()
	DetectionTimeout()
	StatusChanged(status SleepStatus)
	QueueDepth(queue string, depth int)
}

type nopRecorder struct{}

func (nopRecorder) FrameCaptured()                     {}
func (nopRecorder) FrameDropped()                      {}
func (nopRecorder) EmptyRead()                         {}
func (nopRecorder) Classified(Classification)          {}
func (nopRecorder) StatusDropped()                     {}
func (nopRecorder) DetectorError()                     {}
func (nopRecorder) DetectionTimeout()                  {}
func (nopRecorder) StatusChanged(SleepStatus)          {}
func (nopRecorder) QueueDepth(queue string, depth int) {}
