package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Faffstifu/wake-o-matic/internal/action"
	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
	"github.com/Faffstifu/wake-o-matic/internal/sleep"
)

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeSource yields frames spaced 100ms apart in simulated time
type fakeSource struct {
	mu        sync.Mutex
	openErr   error
	opens     int
	reads     int
	empty     bool
	block     bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{closed: make(chan struct{})}
}

func (s *fakeSource) Open(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return s.openErr
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	if s.block {
		select {
		case <-s.closed:
			return nil, pipeline.ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-s.closed:
		return nil, pipeline.ErrSourceClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.empty {
		return nil, nil
	}
	return &pipeline.Frame{
		Data:      []byte{0xff, 0xd8},
		Timestamp: base.Add(time.Duration(s.reads) * 100 * time.Millisecond),
	}, nil
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type fakeDetector struct {
	class pipeline.Classification
	err   error
	delay time.Duration
}

func (d *fakeDetector) Classify(ctx context.Context, frame *pipeline.Frame) (pipeline.Classification, error) {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return pipeline.FaceNotFound, ctx.Err()
		case <-timer.C:
		}
	}
	return d.class, d.err
}

// dropRecorder counts overflow callbacks
type dropRecorder struct {
	framesDropped atomic.Uint64
	statusDropped atomic.Uint64
}

func (r *dropRecorder) FrameCaptured()                     {}
func (r *dropRecorder) FrameDropped()                      { r.framesDropped.Add(1) }
func (r *dropRecorder) EmptyRead()                         {}
func (r *dropRecorder) Classified(pipeline.Classification) {}
func (r *dropRecorder) StatusDropped()                     { r.statusDropped.Add(1) }
func (r *dropRecorder) DetectorError()                     {}
func (r *dropRecorder) DetectionTimeout()                  {}
func (r *dropRecorder) StatusChanged(pipeline.SleepStatus) {}
func (r *dropRecorder) QueueDepth(queue string, depth int) {}

// diagnosticKinds collects diagnostic kinds delivered on the event bus
type diagnosticKinds struct {
	mu    sync.Mutex
	kinds map[pipeline.DiagnosticKind]int
}

func collectDiagnostics(bus *pipeline.EventBus) *diagnosticKinds {
	d := &diagnosticKinds{kinds: make(map[pipeline.DiagnosticKind]int)}
	bus.Subscribe(pipeline.EventHandlerFuncs{
		Diagnostic: func(e *pipeline.DiagnosticEvent) {
			d.mu.Lock()
			d.kinds[e.Kind]++
			d.mu.Unlock()
		},
	})
	return d
}

func (d *diagnosticKinds) count(kind pipeline.DiagnosticKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kinds[kind]
}

type recordingActuator struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingActuator) record(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
	return nil
}

func (a *recordingActuator) PlayWarning(ctx context.Context) error { return a.record("warning") }
func (a *recordingActuator) PlayAlarm(ctx context.Context) error   { return a.record("alarm") }
func (a *recordingActuator) Silence(ctx context.Context) error     { return a.record("silence") }

func (a *recordingActuator) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

type harness struct {
	source   *fakeSource
	detector *fakeDetector
	actuator *recordingActuator
	machine  *action.Machine
	agg      *sleep.Detector
	p        *pipeline.Pipeline
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.SessionID = "test-session"
	cfg.PopTimeout = 20 * time.Millisecond
	cfg.AggregateTimeout = 50 * time.Millisecond
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.CaptureInterval = time.Millisecond
	cfg.CycleInterval = 5 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, class pipeline.Classification, opts ...pipeline.Option) *harness {
	t.Helper()
	h := &harness{
		source:   newFakeSource(),
		detector: &fakeDetector{class: class},
		actuator: &recordingActuator{},
		agg:      sleep.NewDetector(sleep.DefaultMicrosleepThreshold, zap.NewNop()),
	}
	h.machine = action.NewMachine(h.actuator, zap.NewNop())
	h.p = pipeline.New(testConfig(), h.source, h.detector, h.agg, h.machine, opts...)
	return h
}

func TestPipeline_StartFailsWhenSourceCannotOpen(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	h.source.openErr = errors.New("no such device")

	err := h.p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")

	assert.ErrorIs(t, h.p.Run(context.Background(), 1), pipeline.ErrNotStarted)
	h.p.Stop()
	assert.Empty(t, h.actuator.Calls())
}

func TestPipeline_LifecycleErrors(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)

	require.NoError(t, h.p.Start(context.Background()))
	require.NoError(t, h.p.Start(context.Background()))
	assert.Equal(t, 1, h.source.Opens())

	h.p.Stop()
	h.p.Stop()

	assert.ErrorIs(t, h.p.Start(context.Background()), pipeline.ErrStopped)
	assert.ErrorIs(t, h.p.Run(context.Background(), 1), pipeline.ErrStopped)
}

func TestPipeline_ClosedEyesRaiseAlarmAndStopSilences(t *testing.T) {
	h := newHarness(t, pipeline.EyesClosed)

	var (
		mu     sync.Mutex
		events []*pipeline.StatusEvent
	)
	h.p.Events().Subscribe(pipeline.EventHandlerFuncs{
		Status: func(e *pipeline.StatusEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})

	require.NoError(t, h.p.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.p.Run(ctx, 0) }()

	assert.Eventually(t, func() bool {
		return h.machine.Applied() == action.Alarm
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, pipeline.Asleep, h.agg.Status())

	cancel()
	require.NoError(t, <-runDone)
	h.p.Stop()

	calls := h.actuator.Calls()
	assert.Contains(t, calls, "alarm")
	require.NotEmpty(t, calls)
	assert.Equal(t, "silence", calls[len(calls)-1], "no alarm may be left sounding")
	assert.Equal(t, action.Awake, h.machine.Applied())

	stats := h.p.Stats()
	assert.Equal(t, "test-session", stats.SessionID)
	assert.NotZero(t, stats.FramesCaptured)
	assert.NotZero(t, stats.Classifications)
	assert.NotZero(t, stats.Cycles)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, pipeline.Asleep, last.Status)
	assert.Equal(t, "alarm", last.Action)
	assert.Equal(t, "test-session", last.SessionID)
}

func TestPipeline_OpenEyesStayAwake(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	require.NoError(t, h.p.Start(context.Background()))

	require.NoError(t, h.p.Run(context.Background(), 10))
	assert.Equal(t, pipeline.Awake, h.agg.Status())
	h.p.Stop()

	assert.NotContains(t, h.actuator.Calls(), "alarm")
	assert.Equal(t, action.Awake, h.machine.Applied())
}

func TestPipeline_FaceNotFoundRaisesWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, pipeline.FaceNotFound, pipeline.WithLogger(zap.New(core)))
	require.NoError(t, h.p.Start(context.Background()))

	require.NoError(t, h.p.Run(context.Background(), 3))
	assert.Eventually(t, func() bool {
		return h.machine.Applied() == action.Warning
	}, 2*time.Second, 5*time.Millisecond)
	h.p.Stop()

	assert.Equal(t, pipeline.NoFace, h.agg.Status())
	assert.Contains(t, h.actuator.Calls(), "warning")
	assert.NotZero(t, logs.FilterMessage("No face detected").Len())
}

func TestPipeline_DetectionTimeoutHoldsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, pipeline.EyesOpen, pipeline.WithLogger(zap.New(core)))
	h.source.empty = true

	var (
		mu          sync.Mutex
		diagnostics []pipeline.DiagnosticKind
	)
	h.p.Events().Subscribe(pipeline.EventHandlerFuncs{
		Diagnostic: func(e *pipeline.DiagnosticEvent) {
			mu.Lock()
			diagnostics = append(diagnostics, e.Kind)
			mu.Unlock()
		},
	})

	require.NoError(t, h.p.Start(context.Background()))
	require.NoError(t, h.p.Run(context.Background(), 2))

	stats := h.p.Stats()
	h.p.Stop()

	assert.Equal(t, uint64(2), stats.DetectionTimeouts)
	assert.NotZero(t, stats.EmptyReads)
	assert.Zero(t, stats.FramesCaptured)
	assert.Equal(t, pipeline.NoFace, stats.Status, "stale status is held")
	assert.Equal(t, 2, logs.FilterMessage("No classification received, pipeline stalled").Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []pipeline.DiagnosticKind{
		pipeline.DiagnosticDetectionTimeout,
		pipeline.DiagnosticDetectionTimeout,
	}, diagnostics)
}

func TestPipeline_DetectorErrorsAreAbsorbed(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	h.detector.err = errors.New("model unavailable")

	require.NoError(t, h.p.Start(context.Background()))
	require.NoError(t, h.p.Run(context.Background(), 1))
	stats := h.p.Stats()
	h.p.Stop()

	assert.NotZero(t, stats.DetectorErrors)
	assert.Zero(t, stats.Classifications)
	assert.Equal(t, uint64(1), stats.DetectionTimeouts)
}

func TestPipeline_StopUnblocksPendingRead(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	h.source.block = true

	require.NoError(t, h.p.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		h.p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with a blocked frame source")
	}
}

func TestPipeline_StopInterruptsRun(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	h.source.empty = true

	cfg := testConfig()
	cfg.AggregateTimeout = 10 * time.Second
	h.p = pipeline.New(cfg, h.source, h.detector, h.agg, h.machine)
	require.NoError(t, h.p.Start(context.Background()))

	runDone := make(chan error, 1)
	go func() { runDone <- h.p.Run(context.Background(), 0) }()
	time.Sleep(20 * time.Millisecond)

	h.p.Stop()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPipeline_SecondRunIsRejected(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	require.NoError(t, h.p.Start(context.Background()))
	defer h.p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.p.Run(ctx, 0) }()

	assert.Eventually(t, func() bool {
		return errors.Is(h.p.Run(context.Background(), 1), pipeline.ErrAlreadyRunning)
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_SlowDetectorOverflowsFrameQueue(t *testing.T) {
	rec := &dropRecorder{}
	h := newHarness(t, pipeline.EyesOpen, pipeline.WithRecorder(rec))
	h.detector.delay = 20 * time.Millisecond
	diags := collectDiagnostics(h.p.Events())

	require.NoError(t, h.p.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return h.p.Stats().FramesDropped >= 5
	}, 5*time.Second, 5*time.Millisecond)
	h.p.Stop()

	stats := h.p.Stats()
	assert.Equal(t, stats.FramesDropped, rec.framesDropped.Load())
	assert.Equal(t, stats.FramesDropped, h.p.FrameQueue().Stats().Dropped)
	assert.Greater(t, stats.FramesCaptured, stats.Classifications)
	assert.NotZero(t, diags.count(pipeline.DiagnosticFrameOverflow))
}

func TestPipeline_BlockedSubscriberDoesNotStallCapture(t *testing.T) {
	h := newHarness(t, pipeline.EyesOpen)
	h.detector.delay = 20 * time.Millisecond

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	h.p.Events().Subscribe(pipeline.EventHandlerFuncs{
		Diagnostic: func(*pipeline.DiagnosticEvent) { <-release },
	})

	require.NoError(t, h.p.Start(context.Background()))

	// The first overflow blocks the subscriber; capture keeps going and the
	// diagnostic buffer eventually sheds events
	assert.Eventually(t, func() bool {
		stats := h.p.Stats()
		return stats.FramesCaptured > 150 && stats.DiagnosticsDropped > 0
	}, 5*time.Second, 5*time.Millisecond)

	unblock()
	h.p.Stop()

	stats := h.p.Stats()
	assert.Greater(t, stats.FramesDropped, uint64(50))
}

func TestPipeline_StatusOverflowIsNotAStall(t *testing.T) {
	rec := &dropRecorder{}
	h := newHarness(t, pipeline.EyesOpen)
	cfg := testConfig()
	cfg.CycleInterval = 200 * time.Millisecond
	h.p = pipeline.New(cfg, h.source, h.detector, h.agg, h.machine, pipeline.WithRecorder(rec))
	diags := collectDiagnostics(h.p.Events())

	require.NoError(t, h.p.Start(context.Background()))
	require.NoError(t, h.p.Run(context.Background(), 2))

	stats := h.p.Stats()
	queue := h.p.StatusChannel().Stats()
	h.p.Stop()

	assert.NotZero(t, stats.StatusDropped)
	assert.Zero(t, stats.DetectionTimeouts)
	assert.Equal(t, uint64(2), stats.Cycles)
	assert.Equal(t, stats.StatusDropped, rec.statusDropped.Load())
	assert.Equal(t, stats.StatusDropped, queue.Dropped)
	assert.WithinDuration(t, time.Now(), queue.LastPush, time.Second, "observations keep arriving")
	assert.Equal(t, pipeline.Awake, stats.Status)

	assert.NotZero(t, diags.count(pipeline.DiagnosticStatusOverflow))
	assert.Zero(t, diags.count(pipeline.DiagnosticDetectionTimeout))
}
