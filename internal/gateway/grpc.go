// ABOUTME: gRPC server exposing the standard health service for the gateway and its lanes
// ABOUTME: Each configured lane is reported as its own "lane:<name>" service

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// laneServicePrefix names per-lane health services.
const laneServicePrefix = "lane:"

// newGRPCServer builds the gRPC server with the health service registered
// and every lane marked SERVING.
func newGRPCServer(lanes []string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range lanes {
		hs.SetServingStatus(laneServicePrefix+name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	logger.With("component", "grpc").Info("gRPC health service registered", "lanes", lanes)
	return server, hs
}
