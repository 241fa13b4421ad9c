package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Faffstifu/wake-o-matic/internal/action"
	"github.com/Faffstifu/wake-o-matic/internal/actuator"
	"github.com/Faffstifu/wake-o-matic/internal/camera"
	"github.com/Faffstifu/wake-o-matic/internal/config"
	"github.com/Faffstifu/wake-o-matic/internal/database"
	"github.com/Faffstifu/wake-o-matic/internal/detection"
	"github.com/Faffstifu/wake-o-matic/internal/metrics"
	"github.com/Faffstifu/wake-o-matic/internal/overlay"
	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
	"github.com/Faffstifu/wake-o-matic/internal/sleep"
	"github.com/Faffstifu/wake-o-matic/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wakeomatic: invalid environment: %v\n", err)
		os.Exit(1)
	}

	// Command line flags override the environment.
	var (
		deviceF   = flag.String("device", cfg.Camera.Device, "Camera device: 0, /dev/videoN, rtsp://..., http://..., replay:<dir>, synthetic")
		cyclesF   = flag.Int("cycles", cfg.Pipeline.Cycles, "Aggregation cycles to run (0 runs until interrupted)")
		detectorF = flag.String("detector", cfg.Detector.Kind, "Eye-state detector (valid values: grpc, script)")
		endpointF = flag.String("detector-endpoint", cfg.Detector.Endpoint, "gRPC classification service address")
		scriptF   = flag.String("script", cfg.Detector.Script, "Scripted detector pattern, e.g. open:30,closed:60,none:10")
		sinksF    = flag.String("actuators", strings.Join(cfg.Actuator.Sinks, ","), "Alert sinks (log, sound, telegram, mqtt)")
		httpF     = flag.Bool("http", cfg.HTTP.Enabled, "Serve the debug API")
		httpAddrF = flag.String("http-addr", cfg.HTTP.Addr, "Debug API listen address")
		levelF    = flag.String("log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
		formatF   = flag.String("log-format", cfg.Log.Format, "Log format (console, json)")
	)
	flag.Parse()

	cfg.Camera.Device = *deviceF
	cfg.Pipeline.Cycles = *cyclesF
	cfg.Detector.Kind = strings.ToLower(*detectorF)
	cfg.Detector.Endpoint = *endpointF
	cfg.Detector.Script = *scriptF
	cfg.Actuator.Sinks = splitSinks(*sinksF)
	cfg.HTTP.Enabled = *httpF
	cfg.HTTP.Addr = *httpAddrF
	cfg.Log.Level = strings.ToLower(*levelF)
	cfg.Log.Format = strings.ToLower(*formatF)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "wakeomatic: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wakeomatic: failed to create logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

// run wires the collaborators, drives the pipeline and returns the exit code
func run(cfg *config.Config, logger *zap.Logger) int {
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT and SIGTERM end the run; Stop still silences the actuators.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	m := metrics.New()

	source := camera.NewSource(cfg.Camera.Device, camera.Settings{
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		FFmpegPath:  cfg.Camera.FFmpegPath,
		OpenTimeout: cfg.Camera.OpenTimeout,
		ReadTimeout: cfg.Camera.ReadTimeout,
		Loop:        cfg.Camera.Loop,
	}, logger.Named("camera"))

	detector, closeDetector, err := newDetector(ctx, cfg.Detector, logger.Named("detector"))
	if err != nil {
		logger.Error("Failed to initialize detector", zap.Error(err))
		return 1
	}
	defer closeDetector()

	sinks, closeSinks, err := newActuators(cfg, sessionID, logger.Named("actuator"))
	if err != nil {
		logger.Error("Failed to initialize actuators", zap.Error(err))
		return 1
	}
	defer closeSinks()

	machine := action.NewMachine(sinks, logger.Named("action"), action.WithRecorder(m))
	aggregator := sleep.NewDetector(cfg.Pipeline.MicrosleepThreshold, logger.Named("sleep"))
	debugOverlay := overlay.New(cfg.Camera.Width, cfg.Camera.Height, logger.Named("overlay"))

	p := pipeline.New(pipeline.Config{
		SessionID:        sessionID,
		DeviceID:         cfg.Camera.Device,
		QueueCapacity:    cfg.Pipeline.QueueCapacity,
		StatusCapacity:   cfg.Pipeline.StatusCapacity,
		PopTimeout:       cfg.Pipeline.PopTimeout,
		AggregateTimeout: cfg.Pipeline.AggregateTimeout,
		RetryBackoff:     cfg.Pipeline.RetryBackoff,
		CaptureInterval:  cfg.Pipeline.CaptureInterval,
		CycleInterval:    cfg.Pipeline.CycleInterval,
		StatusLogEvery:   cfg.Pipeline.StatusLogEvery,
	}, source, detector, aggregator, machine,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithRecorder(m),
		pipeline.WithFrameObserver(debugOverlay),
	)
	bus := p.Events()
	defer bus.Close()

	var journal *database.Journal
	if cfg.Journal.Enabled {
		journal, err = database.New(cfg.Journal.DSN, logger.Named("journal"))
		if err != nil {
			logger.Error("Failed to open session journal", zap.Error(err))
			return 1
		}
		defer journal.Close()
		if err := journal.Migrate(); err != nil {
			logger.Error("Failed to prepare session journal", zap.Error(err))
			return 1
		}
		bus.Subscribe(journal)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	if cfg.HTTP.Enabled {
		hub := ws.NewStatusHub(logger.Named("ws"))
		bus.Subscribe(hub)
		bus.Subscribe(debugOverlay)

		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()

		srv, err := newDebugServer(cfg, debugServerDeps{
			pipeline: p,
			journal:  journal,
			hub:      hub,
			overlay:  debugOverlay,
			metrics:  m,
		}, logger.Named("http"))
		if err != nil {
			logger.Error("Failed to initialize debug API", zap.Error(err))
			return 1
		}
		srv.start(ctx, &wg, errc)
	}

	if err := p.Start(ctx); err != nil {
		logger.Error("Failed to start pipeline", zap.Error(err))
		cancel()
		wg.Wait()
		return 1
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx, cfg.Pipeline.Cycles) }()

	code := 0
	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("Pipeline run failed", zap.Error(err))
			code = 1
		}
	case err := <-errc:
		logger.Error("Debug API failed", zap.Error(err))
		cancel()
		<-runErr
		code = 1
	}

	p.Stop()
	cancel()
	wg.Wait()

	stats := p.Stats()
	logger.Info("Exiting",
		zap.Uint64("cycles", stats.Cycles),
		zap.Uint64("frames_captured", stats.FramesCaptured),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Int("exit_code", code),
	)
	return code
}

// newDetector builds the configured eye-state detector
func newDetector(ctx context.Context, cfg config.DetectorConfig, logger *zap.Logger) (pipeline.Detector, func(), error) {
	switch cfg.Kind {
	case config.DetectorScript:
		d, err := detection.NewScriptedDetectorFromString(cfg.Script)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using scripted detector", zap.String("script", cfg.Script), zap.Int("cycle_length", d.CycleLength()))
		return d, func() {}, nil
	case config.DetectorGRPC:
		gc, err := detection.NewGRPCClassifier(ctx, detection.GRPCClassifierConfig{
			Endpoint:    cfg.Endpoint,
			CallTimeout: cfg.CallTimeout,
			DialTimeout: cfg.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return gc, func() { gc.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}

// newActuators builds the configured alert sinks behind one fan-out actuator
func newActuators(cfg *config.Config, sessionID string, logger *zap.Logger) (*actuator.Composite, func(), error) {
	var (
		sinks   []pipeline.Actuator
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, name := range cfg.Actuator.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, actuator.NewLogActuator(logger.Named("log")))
		case config.SinkSound:
			sound, err := actuator.NewCommandActuator(actuator.CommandConfig{
				MixerCommand:  cfg.Actuator.Sound.MixerCommand,
				PlayerCommand: cfg.Actuator.Sound.PlayerCommand,
				WarningSound:  cfg.Actuator.Sound.WarningSound,
				AlarmSound:    cfg.Actuator.Sound.AlarmSound,
			}, logger.Named("sound"))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("sound actuator: %w", err)
			}
			sinks = append(sinks, sound)
		case config.SinkTelegram:
			tg, err := actuator.NewTelegramActuator(actuator.TelegramConfig{
				BotToken:  cfg.Actuator.Telegram.BotToken,
				ChatID:    cfg.Actuator.Telegram.ChatID,
				APIURL:    cfg.Actuator.Telegram.APIURL,
				SessionID: sessionID,
				Cooldown:  cfg.Actuator.Telegram.Cooldown,
			}, logger.Named("telegram"))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("telegram actuator: %w", err)
			}
			sinks = append(sinks, tg)
		case config.SinkMQTT:
			mq, err := actuator.NewMQTTActuator(actuator.MQTTConfig{
				Broker:    cfg.Actuator.MQTT.Broker,
				ClientID:  cfg.Actuator.MQTT.ClientID,
				Username:  cfg.Actuator.MQTT.Username,
				Password:  cfg.Actuator.MQTT.Password,
				Topic:     cfg.Actuator.MQTT.Topic,
				QoS:       byte(cfg.Actuator.MQTT.QoS),
				SessionID: sessionID,
			}, logger.Named("mqtt"))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("mqtt actuator: %w", err)
			}
			sinks = append(sinks, mq)
			closers = append(closers, mq.Close)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown actuator sink %q", name)
		}
	}

	composite := actuator.NewComposite(sinks...)
	logger.Info("Actuators ready", zap.Strings("sinks", cfg.Actuator.Sinks), zap.Int("count", composite.Len()))
	return composite, closeAll, nil
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func splitSinks(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
