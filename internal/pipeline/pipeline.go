package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// noFaceLogEvery throttles the "no face" warning to one per run of this many misses
const noFaceLogEvery = 30

// diagnosticBuffer bounds the diagnostics waiting for event bus subscribers
const diagnosticBuffer = 64

// Pipeline owns the capture, processing, aggregation and action stages of one camera.
//
// Start order is source, capture, processing, action worker; Run drives the
// aggregation loop. Stop silences the actuator first and then stops the stages
// in reverse order, joining each before moving on.
type Pipeline struct {
	cfg        Config
	source     FrameSource
	detector   Detector
	aggregator Aggregator
	machine    StateMachine
	logger     *zap.Logger
	recorder   Recorder
	eventBus   *EventBus
	observer   FrameObserver
	now        func() time.Time

	frames   *FrameQueue
	statuses *StatusChannel

	// Diagnostics are raised on the capture and processing goroutines and
	// delivered to subscribers by a dispatcher goroutine
	diagnostics chan *DiagnosticEvent
	diagStop    chan struct{}
	diagWg      sync.WaitGroup

	mu          sync.Mutex
	started     bool
	stopped     bool
	running     bool
	runStop     chan struct{}
	processStop chan struct{}
	captureStop chan struct{}
	cancelWork  context.CancelFunc
	runWg       sync.WaitGroup
	processWg   sync.WaitGroup
	captureWg   sync.WaitGroup

	stats   Stats
	statsMu sync.RWMutex
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder sets the metrics sink
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithEventBus publishes status and diagnostic events on bus
func WithEventBus(bus *EventBus) Option {
	return func(p *Pipeline) {
		if bus != nil {
			p.eventBus = bus
		}
	}
}

// WithFrameObserver receives every classified frame
func WithFrameObserver(o FrameObserver) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pipeline. Nothing runs until Start.
func New(cfg Config, source FrameSource, detector Detector, aggregator Aggregator, machine StateMachine, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()

	p := &Pipeline{
		cfg:        cfg,
		source:     source,
		detector:   detector,
		aggregator: aggregator,
		machine:    machine,
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.eventBus == nil {
		p.eventBus = NewEventBus()
	}

	p.diagnostics = make(chan *DiagnosticEvent, diagnosticBuffer)
	p.frames = NewBoundedQueue[*Frame]("frames", cfg.QueueCapacity, p.logger.Named("frame_queue"))
	p.statuses = NewBoundedQueue[Observation]("statuses", cfg.StatusCapacity, p.logger.Named("status_channel"))
	p.frames.OnDrop(func(f *Frame) { p.frameDropped(f) })
	p.statuses.OnDrop(func(o Observation) { p.statusDropped(o) })

	p.stats = Stats{
		SessionID: cfg.SessionID,
		Status:    aggregator.Status(),
		Action:    machine.StateName(),
	}
	return p
}

// Events returns the bus carrying status and diagnostic events
func (p *Pipeline) Events() *EventBus {
	return p.eventBus
}

// Config returns the effective configuration
func (p *Pipeline) Config() Config {
	return p.cfg
}

// FrameQueue exposes the capture handoff
func (p *Pipeline) FrameQueue() *FrameQueue {
	return p.frames
}

// StatusChannel exposes the processing handoff
func (p *Pipeline) StatusChannel() *StatusChannel {
	return p.statuses
}

// Start opens the frame source and launches the capture, processing and action goroutines.
// A source that cannot be opened is returned as an error and nothing is started.
// Calling Start on a started pipeline does nothing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}

	if err := p.source.Open(ctx, p.cfg.DeviceID); err != nil {
		return fmt.Errorf("failed to open frame source %q: %w", p.cfg.DeviceID, err)
	}
	p.logger.Info("Frame source opened", zap.String("device", p.cfg.DeviceID))

	workCtx, cancel := context.WithCancel(context.Background())
	p.cancelWork = cancel
	p.runStop = make(chan struct{})
	p.processStop = make(chan struct{})
	p.captureStop = make(chan struct{})
	p.diagStop = make(chan struct{})

	p.diagWg.Add(1)
	go p.dispatchDiagnostics(p.diagStop)

	p.captureWg.Add(1)
	go p.captureLoop(workCtx, p.captureStop)

	p.processWg.Add(1)
	go p.processLoop(workCtx, p.processStop)

	p.machine.Start()
	p.started = true

	p.logger.Info("Pipeline started",
		zap.String("session_id", p.cfg.SessionID),
		zap.Int("queue_capacity", p.cfg.QueueCapacity),
		zap.Duration("aggregate_timeout", p.cfg.AggregateTimeout),
	)
	return nil
}

// Run drives the aggregation loop for cycles iterations, or until ctx is
// cancelled or Stop is called when cycles is 0.
func (p *Pipeline) Run(ctx context.Context, cycles int) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	case !p.started:
		p.mu.Unlock()
		return ErrNotStarted
	case p.running:
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	runStop := p.runStop
	p.runWg.Add(1)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.runWg.Done()
	}()

	for cycle := 1; cycles <= 0 || cycle <= cycles; cycle++ {
		select {
		case <-ctx.Done():
			return nil
		case <-runStop:
			return nil
		default:
		}

		p.aggregate(cycle, runStop)

		if p.cfg.CycleInterval > 0 && (cycles <= 0 || cycle < cycles) {
			timer := time.NewTimer(p.cfg.CycleInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-runStop:
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}

	p.logger.Info("Monitoring cycles completed", zap.Int("cycles", cycles))
	return nil
}

// Stop silences the actuator and stops every stage in reverse start order.
// It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}

	p.logger.Info("Stopping pipeline")
	p.machine.ChangeState(Awake)

	// Aggregation: the closed status channel wakes a pending drain
	close(p.runStop)
	p.statuses.Close()
	p.runWg.Wait()
	// A cycle racing with the stop may have requested an alert
	p.machine.ChangeState(Awake)

	// Processing
	close(p.processStop)
	p.frames.Close()
	p.processWg.Wait()

	// Capture: closing the source unblocks a pending read
	close(p.captureStop)
	p.cancelWork()
	if err := p.source.Close(); err != nil {
		p.logger.Warn("Failed to close frame source", zap.Error(err))
	}
	p.captureWg.Wait()

	// Deliver what the stopped stages raised
	close(p.diagStop)
	p.diagWg.Wait()

	p.machine.Stop()

	stats := p.Stats()
	p.logger.Info("Pipeline stopped",
		zap.Uint64("frames_captured", stats.FramesCaptured),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("classifications", stats.Classifications),
		zap.Uint64("cycles", stats.Cycles),
		zap.String("action", stats.Action),
	)
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.statsMu.RLock()
	stats := p.stats
	p.statsMu.RUnlock()

	stats.Status = p.aggregator.Status()
	stats.Action = p.machine.StateName()
	stats.FrameQueueDepth = p.frames.Len()
	stats.StatusChannelDepth = p.statuses.Len()
	return stats
}

func (p *Pipeline) captureLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer p.captureWg.Done()

	logger := p.logger.Named("capture")
	logger.Info("Capture loop started")
	defer logger.Info("Capture loop stopped")

	var seq uint64
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		frame, err := p.source.ReadFrame(ctx)
		if err != nil || frame == nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if err != nil && !errors.Is(err, ErrSourceClosed) {
				logger.Warn("Frame read failed, retrying", zap.Error(err), zap.Duration("backoff", p.cfg.RetryBackoff))
			} else {
				logger.Debug("Empty frame read, retrying", zap.Duration("backoff", p.cfg.RetryBackoff))
			}
			p.emptyRead()
			if !p.sleep(stopCh, p.cfg.RetryBackoff) {
				return
			}
			continue
		}

		seq++
		frame.Seq = seq
		if frame.Timestamp.IsZero() {
			frame.Timestamp = p.now()
		}

		p.statsMu.Lock()
		p.stats.FramesCaptured++
		p.stats.LastFrameTime = frame.Timestamp
		p.statsMu.Unlock()
		p.recorder.FrameCaptured()

		// Never waits for the consumer; overflow drops the oldest frame
		p.frames.Push(frame)
		p.recorder.QueueDepth(p.frames.name, p.frames.Len())

		if p.cfg.CaptureInterval > 0 && !p.sleep(stopCh, p.cfg.CaptureInterval) {
			return
		}
	}
}

func (p *Pipeline) processLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer p.processWg.Done()

	logger := p.logger.Named("processing")
	logger.Info("Processing loop started")
	defer logger.Info("Processing loop stopped")

	misses := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		frame, ok := p.frames.PopBlocking(p.cfg.PopTimeout)
		if !ok {
			continue
		}

		class, err := p.detector.Classify(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.detectorFailed(logger, frame, err)
			continue
		}

		p.statsMu.Lock()
		p.stats.Classifications++
		p.statsMu.Unlock()
		p.recorder.Classified(class)

		if p.observer != nil {
			p.observer.ObserveFrame(frame, class)
		}

		if class == FaceNotFound {
			misses++
			if misses%noFaceLogEvery == 1 {
				logger.Warn("No face detected", zap.Int("consecutive_frames", misses), zap.Uint64("frame_seq", frame.Seq))
			}
		} else {
			misses = 0
		}

		p.statuses.Push(Observation{Class: class, At: frame.Timestamp, FrameSeq: frame.Seq})
		p.recorder.QueueDepth(p.statuses.name, p.statuses.Len())
	}
}

// aggregate runs one aggregation cycle
func (p *Pipeline) aggregate(cycle int, runStop <-chan struct{}) {
	previous := p.aggregator.Status()

	batch, ok := p.statuses.DrainBlocking(p.cfg.AggregateTimeout)
	select {
	case <-runStop:
		return
	default:
	}

	p.statsMu.Lock()
	p.stats.Cycles++
	p.statsMu.Unlock()

	if !ok {
		p.detectionTimeout(previous)
		return
	}

	status, changed := p.aggregator.LoadAll(batch)
	p.machine.ChangeState(status)

	now := p.now()
	p.statsMu.Lock()
	p.stats.LastStatusTime = now
	p.statsMu.Unlock()

	if changed {
		action := p.machine.StateName()
		p.logger.Info("Sleep status changed",
			zap.String("from", previous.String()),
			zap.String("to", status.String()),
			zap.String("action", action),
			zap.Int("observations", len(batch)),
		)
		p.recorder.StatusChanged(status)
		p.eventBus.PublishStatus(&StatusEvent{
			SessionID: p.cfg.SessionID,
			Cycle:     cycle,
			Previous:  previous,
			Status:    status,
			Action:    action,
			Timestamp: now,
		})
	}

	if cycle%p.cfg.StatusLogEvery == 0 {
		p.logger.Info("Driver status",
			zap.Int("cycle", cycle),
			zap.String("status", status.String()),
			zap.String("action", p.machine.StateName()),
		)
	}
}

func (p *Pipeline) detectionTimeout(held SleepStatus) {
	p.statsMu.Lock()
	p.stats.DetectionTimeouts++
	p.statsMu.Unlock()
	p.recorder.DetectionTimeout()

	queueStats := p.statuses.Stats()
	fields := []zap.Field{
		zap.Duration("waited", p.cfg.AggregateTimeout),
		zap.String("held_status", held.String()),
		zap.Uint64("observations_dropped", queueStats.Dropped),
	}
	if !queueStats.LastPush.IsZero() {
		fields = append(fields, zap.Duration("since_last_observation", p.now().Sub(queueStats.LastPush)))
	}
	p.logger.Warn("No classification received, pipeline stalled", fields...)

	p.diagnostic(DiagnosticDetectionTimeout, fmt.Sprintf("no classification within %s, holding %s", p.cfg.AggregateTimeout, held))
}

func (p *Pipeline) detectorFailed(logger *zap.Logger, frame *Frame, err error) {
	p.statsMu.Lock()
	p.stats.DetectorErrors++
	p.statsMu.Unlock()
	p.recorder.DetectorError()

	logger.Warn("Detector failed, skipping frame", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
	p.diagnostic(DiagnosticDetectorError, err.Error())
}

func (p *Pipeline) emptyRead() {
	p.statsMu.Lock()
	p.stats.EmptyReads++
	p.statsMu.Unlock()
	p.recorder.EmptyRead()
}

func (p *Pipeline) frameDropped(f *Frame) {
	p.statsMu.Lock()
	p.stats.FramesDropped++
	p.statsMu.Unlock()
	p.recorder.FrameDropped()
	p.diagnostic(DiagnosticFrameOverflow, fmt.Sprintf("dropped frame %d", f.Seq))
}

func (p *Pipeline) statusDropped(o Observation) {
	p.statsMu.Lock()
	p.stats.StatusDropped++
	p.statsMu.Unlock()
	p.recorder.StatusDropped()
	p.diagnostic(DiagnosticStatusOverflow, fmt.Sprintf("dropped %s observation of frame %d", o.Class, o.FrameSeq))
}

// diagnostic queues an event for the dispatcher and never blocks the caller.
// A full buffer drops the event.
func (p *Pipeline) diagnostic(kind DiagnosticKind, detail string) {
	event := &DiagnosticEvent{
		SessionID: p.cfg.SessionID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: p.now(),
	}

	select {
	case p.diagnostics <- event:
	default:
		p.statsMu.Lock()
		p.stats.DiagnosticsDropped++
		dropped := p.stats.DiagnosticsDropped
		p.statsMu.Unlock()
		if dropped%100 == 1 {
			p.logger.Warn("Diagnostic subscribers are slow, dropping diagnostics",
				zap.String("kind", string(kind)),
				zap.Uint64("dropped", dropped),
			)
		}
	}
}

// dispatchDiagnostics publishes queued diagnostics until stopCh closes, then
// delivers whatever is still buffered
func (p *Pipeline) dispatchDiagnostics(stopCh <-chan struct{}) {
	defer p.diagWg.Done()

	for {
		select {
		case event := <-p.diagnostics:
			p.eventBus.PublishDiagnostic(event)
		case <-stopCh:
			for {
				select {
				case event := <-p.diagnostics:
					p.eventBus.PublishDiagnostic(event)
				default:
					return
				}
			}
		}
	}
}

// sleep waits for d and returns false if stopCh closed first
func (p *Pipeline) sleep(stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
