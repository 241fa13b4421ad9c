// Command wakeomatic-classifier serves a scripted eye-state classifier over
// gRPC. It stands in for the real classification service on a bench setup.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Faffstifu/wake-o-matic/internal/detection"
)

func main() {
	var (
		addrF   = flag.String("addr", "localhost:50051", "gRPC listen address")
		scriptF = flag.String("script", detection.DefaultScript, "Classification pattern, e.g. open:30,closed:60,none:10")
		debugF  = flag.Bool("debug", false, "Development logging")
	)
	flag.Parse()

	logger, err := newLogger(*debugF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wakeomatic-classifier: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	detector, err := detection.NewScriptedDetectorFromString(*scriptF)
	if err != nil {
		logger.Error("Invalid script", zap.Error(err))
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", *addrF)
	if err != nil {
		logger.Error("Failed to listen", zap.String("addr", *addrF), zap.Error(err))
		os.Exit(1)
	}

	srv := grpc.NewServer()
	hs := detection.RegisterClassifierServer(srv, detector, logger.Named("classifier"))

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		logger.Info("Received signal, draining", zap.String("signal", sig.String()))
		hs.SetServingStatus(detection.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		srv.GracefulStop()
	}()

	logger.Info("Classifier listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("script", *scriptF),
		zap.Int("cycle_length", detector.CycleLength()),
	)
	if err := srv.Serve(lis); err != nil {
		logger.Error("Serve failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
