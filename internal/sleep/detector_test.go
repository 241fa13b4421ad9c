package sleep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func obsAt(class pipeline.Classification, offset time.Duration) pipeline.Observation {
	return pipeline.Observation{Class: class, At: epoch.Add(offset)}
}

func TestDetector_InitialStatusIsNoFace(t *testing.T) {
	d := NewDetector(0, nil)
	assert.Equal(t, pipeline.NoFace, d.Status())
	assert.Equal(t, DefaultMicrosleepThreshold, d.Threshold())
}

func TestDetector_BlinksNeverTriggerAsleep(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	// Open and closed frames alternate every 400ms for a minute
	var offset time.Duration
	for i := 0; i < 150; i++ {
		class := pipeline.EyesOpen
		if i%2 == 1 {
			class = pipeline.EyesClosed
		}
		status, _ := d.Load(obsAt(class, offset))
		require.NotEqual(t, pipeline.Asleep, status, "frame %d at %v", i, offset)
		offset += 400 * time.Millisecond
	}
}

func TestDetector_ClosedRunsJustBelowThresholdStayAwake(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	var offset time.Duration
	for run := 0; run < 10; run++ {
		d.Load(obsAt(pipeline.EyesOpen, offset))
		offset += 30 * time.Millisecond

		// 1470ms closed run sampled every 30ms
		for elapsed := time.Duration(0); elapsed < 1500*time.Millisecond; elapsed += 30 * time.Millisecond {
			status, _ := d.Load(obsAt(pipeline.EyesClosed, offset+elapsed))
			require.Equal(t, pipeline.Awake, status)
		}
		offset += 1500 * time.Millisecond
	}
}

func TestDetector_OpenClosedScenarioStaysAwake(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	sequence := []pipeline.Classification{
		pipeline.EyesOpen, pipeline.EyesClosed, pipeline.EyesOpen, pipeline.EyesClosed,
	}
	for i, class := range sequence {
		status, _ := d.Load(obsAt(class, time.Duration(i)*1400*time.Millisecond))
		assert.Equal(t, pipeline.Awake, status, "step %d", i)
	}
}

func TestDetector_ContinuousClosureBecomesAsleepOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDetector(DefaultMicrosleepThreshold, zap.New(core))

	d.Load(obsAt(pipeline.EyesOpen, 0))

	transitionsToAsleep := 0
	var firstAsleepAt time.Duration = -1
	// Closed frames every 100ms spanning 2000ms of simulated time
	for offset := 100 * time.Millisecond; offset <= 2100*time.Millisecond; offset += 100 * time.Millisecond {
		status, changed := d.Load(obsAt(pipeline.EyesClosed, offset))
		if changed && status == pipeline.Asleep {
			transitionsToAsleep++
			if firstAsleepAt < 0 {
				firstAsleepAt = offset
			}
		}
	}

	assert.Equal(t, 1, transitionsToAsleep)
	// Closure started at 100ms, so 1500ms elapse at 1600ms
	assert.Equal(t, 1600*time.Millisecond, firstAsleepAt)
	assert.Equal(t, pipeline.Asleep, d.Status())
	assert.Equal(t, 1, logs.FilterMessage("Microsleep detected, eyes closed for too long").Len())
}

func TestDetector_ClosedFromStartCrossesThreshold(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	var statuses []pipeline.SleepStatus
	for offset := time.Duration(0); offset <= 2000*time.Millisecond; offset += 250 * time.Millisecond {
		status, _ := d.Load(obsAt(pipeline.EyesClosed, offset))
		statuses = append(statuses, status)
	}

	// Before the threshold the initial status is retained
	for i, offset := 0, time.Duration(0); offset < 1500*time.Millisecond; i, offset = i+1, offset+250*time.Millisecond {
		assert.Equal(t, pipeline.NoFace, statuses[i], "offset %v", offset)
	}
	assert.Equal(t, pipeline.Asleep, statuses[len(statuses)-1])
}

func TestDetector_ThresholdBoundaryIsInclusive(t *testing.T) {
	tests := []struct {
		name     string
		closedAt time.Duration
		want     pipeline.SleepStatus
	}{
		{name: "one millisecond short", closedAt: 1499 * time.Millisecond, want: pipeline.Awake},
		{name: "exactly at threshold", closedAt: 1500 * time.Millisecond, want: pipeline.Asleep},
		{name: "past threshold", closedAt: 1501 * time.Millisecond, want: pipeline.Asleep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())
			d.Load(obsAt(pipeline.EyesOpen, 0))
			d.Load(obsAt(pipeline.EyesClosed, time.Second))

			status, _ := d.Load(obsAt(pipeline.EyesClosed, time.Second+tt.closedAt))
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDetector_FaceNotFoundIsImmediate(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())
	d.Load(obsAt(pipeline.EyesOpen, 0))

	status, changed := d.Load(obsAt(pipeline.FaceNotFound, time.Millisecond))
	assert.Equal(t, pipeline.NoFace, status)
	assert.True(t, changed)

	status, changed = d.Load(obsAt(pipeline.EyesOpen, 2*time.Millisecond))
	assert.Equal(t, pipeline.Awake, status)
	assert.True(t, changed)
}

func TestDetector_OpenEyesResetClosedRun(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	d.Load(obsAt(pipeline.EyesClosed, 0))
	assert.Equal(t, epoch, d.ClosedSince())

	d.Load(obsAt(pipeline.EyesOpen, time.Second))
	assert.True(t, d.ClosedSince().IsZero())
	assert.Equal(t, epoch.Add(time.Second), d.LastOpenAt())

	// A new run starts from the next closed frame, not from the first one
	status, _ := d.Load(obsAt(pipeline.EyesClosed, 2*time.Second))
	assert.Equal(t, pipeline.Awake, status)
	assert.Equal(t, epoch.Add(2*time.Second), d.ClosedSince())
}

func TestDetector_AsleepThenAwakeThenAsleepAgain(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	d.Load(obsAt(pipeline.EyesClosed, 0))
	status, changed := d.Load(obsAt(pipeline.EyesClosed, 2*time.Second))
	require.Equal(t, pipeline.Asleep, status)
	require.True(t, changed)

	_, changed = d.Load(obsAt(pipeline.EyesClosed, 3*time.Second))
	assert.False(t, changed, "continued closure must not re-report")

	status, _ = d.Load(obsAt(pipeline.EyesOpen, 3100*time.Millisecond))
	require.Equal(t, pipeline.Awake, status)

	d.Load(obsAt(pipeline.EyesClosed, 4*time.Second))
	status, changed = d.Load(obsAt(pipeline.EyesClosed, 6*time.Second))
	assert.Equal(t, pipeline.Asleep, status)
	assert.True(t, changed)
}

func TestDetector_LoadAllCollapsesBurst(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())

	status, changed := d.LoadAll([]pipeline.Observation{
		obsAt(pipeline.FaceNotFound, 0),
		obsAt(pipeline.EyesOpen, 30*time.Millisecond),
		obsAt(pipeline.EyesClosed, 60*time.Millisecond),
		obsAt(pipeline.EyesOpen, 90*time.Millisecond),
	})
	assert.Equal(t, pipeline.Awake, status)
	assert.True(t, changed)

	status, changed = d.LoadAll(nil)
	assert.Equal(t, pipeline.Awake, status)
	assert.False(t, changed)
}

func TestDetector_Reset(t *testing.T) {
	d := NewDetector(DefaultMicrosleepThreshold, zap.NewNop())
	d.Load(obsAt(pipeline.EyesClosed, 0))
	d.Load(obsAt(pipeline.EyesClosed, 2*time.Second))
	require.Equal(t, pipeline.Asleep, d.Status())

	d.Reset()
	assert.Equal(t, pipeline.NoFace, d.Status())
	assert.True(t, d.ClosedSince().IsZero())
}

func TestDetector_FaceLossKeepsClosedRun(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDetector(DefaultMicrosleepThreshold, zap.New(core))

	d.Load(obsAt(pipeline.EyesOpen, 0))
	for offset := 100 * time.Millisecond; offset < 1600*time.Millisecond; offset += 100 * time.Millisecond {
		d.Load(obsAt(pipeline.EyesClosed, offset))
	}
	status, changed := d.Load(obsAt(pipeline.EyesClosed, 1600*time.Millisecond))
	require.Equal(t, pipeline.Asleep, status)
	require.True(t, changed)

	status, changed = d.Load(obsAt(pipeline.FaceNotFound, 1700*time.Millisecond))
	assert.Equal(t, pipeline.NoFace, status)
	assert.True(t, changed)

	// The head comes back with eyes still closed: the run started at 100ms
	// is still measured, so Asleep is reported again without a new wait
	status, changed = d.Load(obsAt(pipeline.EyesClosed, 1800*time.Millisecond))
	assert.Equal(t, pipeline.Asleep, status)
	assert.True(t, changed)
	assert.Equal(t, epoch.Add(100*time.Millisecond), d.ClosedSince())
	assert.Equal(t, 1, logs.FilterMessage("Microsleep detected, eyes closed for too long").Len())
}
