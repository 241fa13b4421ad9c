// Package detection holds the eye-state classifiers plugged into the pipeline.
package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

const (
	// ServiceName is the gRPC service exposing eye-state classification
	ServiceName = "wakeomatic.eyestate.v1.EyeStateService"
	// classifyMethod takes a JPEG as BytesValue and answers the class code as Int32Value
	classifyMethod = "/" + ServiceName + "/Classify"

	healthCacheTTL = 30 * time.Second
)

// ErrUnhealthy is returned when the classification service reports it is not serving
var ErrUnhealthy = errors.New("classification service not serving")

// GRPCClassifierConfig holds configuration for the gRPC classifier
type GRPCClassifierConfig struct {
	Endpoint    string
	CallTimeout time.Duration // Per-frame deadline
	DialTimeout time.Duration // Startup health check deadline
	DialOptions []grpc.DialOption
}

// GRPCClassifier classifies frames with a remote eye-state service
type GRPCClassifier struct {
	endpoint    string
	callTimeout time.Duration
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	logger      *zap.Logger

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCClassifier connects to the service and verifies it is serving.
// An unreachable or unhealthy service is an initialization error.
func NewGRPCClassifier(ctx context.Context, config GRPCClassifierConfig, logger *zap.Logger) (*GRPCClassifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Endpoint == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 500 * time.Millisecond
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	gc := &GRPCClassifier{
		endpoint:    config.Endpoint,
		callTimeout: config.CallTimeout,
		conn:        conn,
		health:      healthpb.NewHealthClient(conn),
		logger:      logger,
	}

	checkCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := gc.check(checkCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach classification service at %s: %w", config.Endpoint, err)
	}

	logger.Info("Connected to classification service", zap.String("endpoint", config.Endpoint))
	return gc, nil
}

var _ pipeline.Detector = (*GRPCClassifier)(nil)

// Classify sends the frame to the service. A frame without image data is
// classified FaceNotFound without a call.
func (gc *GRPCClassifier) Classify(ctx context.Context, frame *pipeline.Frame) (pipeline.Classification, error) {
	if frame.Empty() {
		return pipeline.FaceNotFound, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, gc.callTimeout)
	defer cancel()

	out := new(wrapperspb.Int32Value)
	if err := gc.conn.Invoke(callCtx, classifyMethod, wrapperspb.Bytes(frame.Data), out); err != nil {
		gc.markUnhealthy()
		return pipeline.FaceNotFound, fmt.Errorf("classify failed: %w", err)
	}

	class := pipeline.Classification(out.GetValue())
	if !class.Valid() {
		return pipeline.FaceNotFound, fmt.Errorf("service returned unknown class code %d", out.GetValue())
	}
	return class, nil
}

// IsHealthy checks if the classification service is available
func (gc *GRPCClassifier) IsHealthy() bool {
	gc.healthMu.RLock()
	if time.Since(gc.lastHealth) < healthCacheTTL && gc.healthy {
		gc.healthMu.RUnlock()
		return true
	}
	gc.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := gc.check(ctx); err != nil {
		gc.logger.Warn("Health check failed", zap.String("endpoint", gc.endpoint), zap.Error(err))
		return false
	}
	return true
}

func (gc *GRPCClassifier) check(ctx context.Context) error {
	resp, err := gc.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})

	gc.healthMu.Lock()
	defer gc.healthMu.Unlock()

	if err != nil {
		gc.healthy = false
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		gc.healthy = false
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.GetStatus())
	}
	gc.healthy = true
	gc.lastHealth = time.Now()
	return nil
}

func (gc *GRPCClassifier) markUnhealthy() {
	gc.healthMu.Lock()
	gc.healthy = false
	gc.healthMu.Unlock()
}

// Close shuts down the gRPC connection
func (gc *GRPCClassifier) Close() error {
	if gc.conn != nil {
		return gc.conn.Close()
	}
	return nil
}
