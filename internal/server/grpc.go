package server

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health
// service in addition to the overall ("") status.
const HealthServiceName = "aegis.Agent"

// GRPCServer serves grpc.health.v1.Health for orchestrators and service
// meshes that probe over gRPC.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer() *GRPCServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{server: srv, health: hs}
}

// Serve blocks until Stop. Stopping before Serve starts is a clean exit,
// not an error.
func (g *GRPCServer) Serve(lis net.Listener) error {
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing flips every registered service between SERVING and
// NOT_SERVING.
func (g *GRPCServer) SetServing(serving bool) {
	if serving {
		g.health.Resume()
	} else {
		g.health.Shutdown()
	}
}

// Stop reports NOT_SERVING to watchers, then drains in-flight RPCs.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
