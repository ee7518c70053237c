// Package grpchealth serves the standard gRPC health protocol for the service
// and for the remote classifier as seen from here.
package grpchealth

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/avocado-ripeness/internal/prediction"
)

// ClassifierService is the health service name that follows the remote model.
const ClassifierService = "avocado.classifier"

// Server wraps a grpc.Server with a health service registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer reports SERVING for the process and for the classifier until a
// submission says otherwise.
func NewServer(logger *zap.Logger) *Server {
	named := logger.Named("grpc_health")
	s := &Server{
		health: health.NewServer(),
		logger: named,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ClassifierService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ObserveView is a prediction.Listener. An exhausted submission marks the
// classifier NOT_SERVING; the next success marks it SERVING again.
func (s *Server) ObserveView(v prediction.View) {
	switch {
	case v.Phase == prediction.Succeeded:
		s.health.SetServingStatus(ClassifierService, healthpb.HealthCheckResponse_SERVING)
	case v.Phase == prediction.Failed && v.Error != nil && v.Error.Kind == prediction.KindExhaustedRetries:
		s.health.SetServingStatus(ClassifierService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Serve blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop flips every service to NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}
