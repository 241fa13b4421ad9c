package pipeline

import (
	"time"
)

// DefaultQueueCapacity is the fixed upper bound of both pipeline handoffs
const DefaultQueueCapacity = 10

// Frame represents a captured video frame
type Frame struct {
	Seq       uint64    // Frame sequence number assigned by the capture loop
	Data      []byte    // JPEG frame data (may be empty for synthetic sources)
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// Empty reports whether the frame carries no image data
func (f *Frame) Empty() bool {
	return f == nil || len(f.Data) == 0
}

// Classification is the per-frame face/eye state produced by a Detector
type Classification int

const (
	FaceNotFound Classification = -1
	EyesClosed   Classification = 0
	EyesOpen     Classification = 1
)

func (c Classification) String() string {
	switch c {
	case FaceNotFound:
		return "face_not_found"
	case EyesClosed:
		return "eyes_closed"
	case EyesOpen:
		return "eyes_open"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of the three known classifications
func (c Classification) Valid() bool {
	return c == FaceNotFound || c == EyesClosed || c == EyesOpen
}

// Observation is a classification stamped with the instant it was produced.
// It is the value carried by the status channel.
type Observation struct {
	Class    Classification `json:"class"`
	At       time.Time      `json:"at"`
	FrameSeq uint64         `json:"frame_seq"`
}

// SleepStatus is the debounced driver state
type SleepStatus int

const (
	NoFace SleepStatus = -1
	Asleep SleepStatus = 0
	Awake  SleepStatus = 1
)

func (s SleepStatus) String() string {
	switch s {
	case NoFace:
		return "no_face"
	case Asleep:
		return "asleep"
	case Awake:
		return "awake"
	default:
		return "unknown"
	}
}

// StatusEvent is published on the event bus whenever the aggregated status changes
type StatusEvent struct {
	SessionID string      `json:"session_id"`
	Cycle     int         `json:"cycle"`
	Previous  SleepStatus `json:"previous"`
	Status    SleepStatus `json:"status"`
	Action    string      `json:"action"`
	Timestamp time.Time   `json:"timestamp"`
}

// DiagnosticKind identifies a recoverable pipeline incident
type DiagnosticKind string

const (
	DiagnosticFrameOverflow    DiagnosticKind = "frame_overflow"
	DiagnosticStatusOverflow   DiagnosticKind = "status_overflow"
	DiagnosticDetectionTimeout DiagnosticKind = "detection_timeout"
	DiagnosticDetectorError    DiagnosticKind = "detector_error"
	DiagnosticEmptyFrame       DiagnosticKind = "empty_frame"
)

// DiagnosticEvent is published on the event bus for recoverable incidents
type DiagnosticEvent struct {
	SessionID string         `json:"session_id"`
	Kind      DiagnosticKind `json:"kind"`
	Detail    string         `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds the supervisor timings and capacities
type Config struct {
	SessionID        string
	DeviceID         string
	QueueCapacity    int           // Frame queue bound
	StatusCapacity   int           // Status channel bound
	PopTimeout       time.Duration // Processing stage wait on the frame queue
	AggregateTimeout time.Duration // Aggregation loop wait on the status channel
	RetryBackoff     time.Duration // Pause after an empty read
	CaptureInterval  time.Duration // Pacing between successful reads
	CycleInterval    time.Duration // Pause between aggregation cycles
	StatusLogEvery   int           // Log the current status every N cycles
}

// DefaultConfig returns the reference timings
func DefaultConfig() Config {
	return Config{
		DeviceID:         "0",
		QueueCapacity:    DefaultQueueCapacity,
		StatusCapacity:   DefaultQueueCapacity,
		PopTimeout:       500 * time.Millisecond,
		AggregateTimeout: 5 * time.Second,
		RetryBackoff:     500 * time.Millisecond,
		CaptureInterval:  30 * time.Millisecond,
		CycleInterval:    time.Second,
		StatusLogEvery:   30,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DeviceID == "" {
		c.DeviceID = d.DeviceID
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.StatusCapacity <= 0 {
		c.StatusCapacity = d.StatusCapacity
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = d.PopTimeout
	}
	if c.AggregateTimeout <= 0 {
		c.AggregateTimeout = d.AggregateTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.StatusLogEvery <= 0 {
		c.StatusLogEvery = d.StatusLogEvery
	}
	return c
}

// Stats contains pipeline counters
type Stats struct {
	SessionID          string
	FramesCaptured     uint64
	FramesDropped      uint64
	EmptyReads         uint64
	Classifications    uint64
	StatusDropped      uint64
	DiagnosticsDropped uint64 // Diagnostics lost because subscribers fell behind
	DetectorErrors     uint64
	DetectionTimeouts  uint64
	Cycles             uint64
	Status             SleepStatus
	Action             string
	LastFrameTime      time.Time
	LastStatusTime     time.Time
	FrameQueueDepth    int
	StatusChannelDepth int
}
