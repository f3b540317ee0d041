// ABOUTME: Discovery gRPC service through which capability instances announce themselves
// ABOUTME: Thin adapter from rpc messages onto the service registry

package gateway

import (
	"context"
	"log/slog"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/caprouter/internal/auth"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

// discoveryServer implements rpc.DiscoveryServer over the registry.
type discoveryServer struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func newDiscoveryServer(reg *registry.Registry, logger *slog.Logger) *discoveryServer {
	return &discoveryServer{registry: reg, logger: logger.With("component", "discovery")}
}

func (s *discoveryServer) Register(ctx context.Context, in *rpc.RegisterRequest) (*rpc.RegisterReply, error) {
	s.logger.Debug("→ register",
		"service_name", in.Target.ServiceName,
		"address", in.Target.Address(),
		"caller", caller(ctx),
	)
	stored, err := s.registry.Register(in.Target)
	if err != nil {
		s.logger.Warn("register rejected", "service_name", in.Target.ServiceName, "error", err)
		return nil, err
	}
	s.logger.Debug("← register", "service_id", stored.ID)
	return &rpc.RegisterReply{Target: stored}, nil
}

func (s *discoveryServer) Deregister(ctx context.Context, in *rpc.DeregisterRequest) (*emptypb.Empty, error) {
	s.logger.Debug("→ deregister", "service_id", in.Target.ID, "caller", caller(ctx))
	if err := s.registry.Deregister(in.Target); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *discoveryServer) Ping(_ context.Context, in *rpc.PingRequest) (*emptypb.Empty, error) {
	if err := s.registry.Ping(in.ID); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *discoveryServer) UpdateState(_ context.Context, in *rpc.UpdateStateRequest) (*emptypb.Empty, error) {
	if err := s.registry.UpdateState(in.ID, in.State); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func caller(ctx context.Context) string {
	if a := auth.FromContext(ctx); a != nil && !a.Anonymous {
		return a.Subject
	}
	return "anonymous"
}
