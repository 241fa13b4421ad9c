// Package sleep turns noisy per-frame classifications into a stable driver status.
//
// Brief eye closures (blinks) are filtered by duration: the status only becomes
// Asleep once the eyes have been observed closed continuously for at least the
// microsleep threshold. A missing face is reported immediately.
package sleep

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// DefaultMicrosleepThreshold is the continuous eye-closure duration reported as sleep
const DefaultMicrosleepThreshold = 1500 * time.Millisecond

// Detector aggregates observations into a SleepStatus.
// The elapsed closure time is measured on observation timestamps, not on the
// wall clock at aggregation time, so drained bursts are evaluated correctly.
type Detector struct {
	threshold time.Duration
	logger    *zap.Logger

	mu                 sync.RWMutex
	status             pipeline.SleepStatus
	eyesPreviouslyOpen bool
	eyeCloseStart      time.Time
	lastOpenAt         time.Time
	microsleepReported bool
}

// NewDetector creates an aggregator starting in NoFace
func NewDetector(threshold time.Duration, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultMicrosleepThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		threshold:          threshold,
		logger:             logger,
		status:             pipeline.NoFace,
		eyesPreviouslyOpen: true,
	}
}

// Threshold returns the microsleep threshold
func (d *Detector) Threshold() time.Duration {
	return d.threshold
}

// Load applies one observation and returns the resulting status.
// changed is true only when the status differs from the previous one, so a
// continuous closed-eye run reports Asleep exactly once.
func (d *Detector) Load(obs pipeline.Observation) (status pipeline.SleepStatus, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.status

	switch obs.Class {
	case pipeline.EyesOpen:
		d.eyesPreviouslyOpen = true
		d.eyeCloseStart = time.Time{}
		d.lastOpenAt = obs.At
		d.microsleepReported = false
		d.status = pipeline.Awake

	case pipeline.EyesClosed:
		if d.eyesPreviouslyOpen {
			d.eyeCloseStart = obs.At
			d.eyesPreviouslyOpen = false
		}
		// Inclusive: exactly the threshold counts as a microsleep
		if elapsed := obs.At.Sub(d.eyeCloseStart); elapsed >= d.threshold {
			if !d.microsleepReported {
				d.logger.Warn("Microsleep detected, eyes closed for too long",
					zap.Duration("closed_for", elapsed),
					zap.Duration("threshold", d.threshold),
					zap.Uint64("frame_seq", obs.FrameSeq),
				)
				d.microsleepReported = true
			}
			d.status = pipeline.Asleep
		}

	case pipeline.FaceNotFound:
		// The closed run keeps its start; only open eyes end it
		d.status = pipeline.NoFace

	default:
		d.logger.Debug("Ignoring unknown classification", zap.Int("class", int(obs.Class)))
	}

	return d.status, d.status != previous
}

// LoadAll applies a drained burst in order and returns the final status.
// changed is true when the final status differs from the status before the burst.
func (d *Detector) LoadAll(batch []pipeline.Observation) (status pipeline.SleepStatus, changed bool) {
	before := d.Status()
	status = before
	for _, obs := range batch {
		status, _ = d.Load(obs)
	}
	return status, status != before
}

// Status returns the current stable status
func (d *Detector) Status() pipeline.SleepStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// ClosedSince returns the start of the current closed-eye run, or zero if the eyes are open
func (d *Detector) ClosedSince() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.eyesPreviouslyOpen {
		return time.Time{}
	}
	return d.eyeCloseStart
}

// LastOpenAt returns when the eyes were last observed open
func (d *Detector) LastOpenAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOpenAt
}

// Reset returns the aggregator to its initial state
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = pipeline.NoFace
	d.eyesPreviouslyOpen = true
	d.eyeCloseStart = time.Time{}
	d.lastOpenAt = time.Time{}
	d.microsleepReported = false
}
