package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"shopledger.org/internal/obs"
)

// GRPCServer answers the standard grpc.health.v1 protocol using the same
// readiness probe as /readyz.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check reports SERVING once the store holds a completed load. Only the
// overall server ("") and serviceName are known.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
