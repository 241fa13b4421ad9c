package detection

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// ClassifierServer is the server API of the eye-state service
type ClassifierServer interface {
	Classify(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int32Value, error)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Classify",
			Handler:    classifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wakeomatic/eyestate/v1/eyestate.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: classifyMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Classify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// detectorServer exposes a pipeline.Detector over gRPC
type detectorServer struct {
	detector pipeline.Detector
	logger   *zap.Logger
}

func (s *detectorServer) Classify(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int32Value, error) {
	frame := &pipeline.Frame{Data: in.GetValue(), Timestamp: time.Now()}

	class, err := s.detector.Classify(ctx, frame)
	if err != nil {
		s.logger.Warn("Classification failed", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "classification failed: %v", err)
	}
	return wrapperspb.Int32(int32(class)), nil
}

// RegisterClassifierServer serves detector as the eye-state service on s and
// registers a health service reporting it as serving. The returned health
// server can be used to flip the status during maintenance.
func RegisterClassifierServer(s *grpc.Server, detector pipeline.Detector, logger *zap.Logger) *health.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.RegisterService(&classifierServiceDesc, &detectorServer{detector: detector, logger: logger})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
