// Package transport serves the gRPC health endpoint used by orchestrators and
// `ditto healthcheck`.
package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported by ditto.
const Service = "ditto"

type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	health *health.Server
}

func StartServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis), nil
}

// NewServer registers the health service on lis. Both the overall and the
// ditto service start as NOT_SERVING.
func NewServer(lis net.Listener) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		lis:    lis,
		health: health.NewServer(),
	}
	s.SetServing(false)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
