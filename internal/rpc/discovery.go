// ABOUTME: Discovery gRPC service: register, deregister, ping, and update-state
// ABOUTME: Hand-declared service descriptor plus the client used by capability services

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/caprouter/internal/registry"
)

const discoveryServiceName = "caprouter.v1.Discovery"

// DiscoveryServer is implemented by the router.
type DiscoveryServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterReply, error)
	Deregister(context.Context, *DeregisterRequest) (*emptypb.Empty, error)
	Ping(context.Context, *PingRequest) (*emptypb.Empty, error)
	UpdateState(context.Context, *UpdateStateRequest) (*emptypb.Empty, error)
}

// RegisterDiscoveryServer attaches srv to a gRPC server.
func RegisterDiscoveryServer(s grpc.ServiceRegistrar, srv DiscoveryServer) {
	s.RegisterService(&discoveryServiceDesc, srv)
}

var discoveryServiceDesc = grpc.ServiceDesc{
	ServiceName: discoveryServiceName,
	HandlerType: (*DiscoveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: unaryHandler(discoveryServiceName, "Register", func(srv DiscoveryServer, ctx context.Context, in *RegisterRequest) (any, error) {
				return srv.Register(ctx, in)
			}),
		},
		{
			MethodName: "Deregister",
			Handler: unaryHandler(discoveryServiceName, "Deregister", func(srv DiscoveryServer, ctx context.Context, in *DeregisterRequest) (any, error) {
				return srv.Deregister(ctx, in)
			}),
		},
		{
			MethodName: "Ping",
			Handler: unaryHandler(discoveryServiceName, "Ping", func(srv DiscoveryServer, ctx context.Context, in *PingRequest) (any, error) {
				return srv.Ping(ctx, in)
			}),
		},
		{
			MethodName: "UpdateState",
			Handler: unaryHandler(discoveryServiceName, "UpdateState", func(srv DiscoveryServer, ctx context.Context, in *UpdateStateRequest) (any, error) {
				return srv.UpdateState(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "caprouter/v1/discovery",
}

// unaryHandler adapts a typed method into a grpc.MethodHandler. Handler
// errors are converted to status errors.
func unaryHandler[S any, Req any](service, method string, call func(S, context.Context, *Req) (any, error)) grpc.MethodHandler {
	fullMethod := "/" + service + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := call(srv.(S), ctx, req.(*Req))
			return out, toStatus(err)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// DiscoveryClient calls the router's Discovery service.
type DiscoveryClient struct {
	cc grpc.ClientConnInterface
}

// NewDiscoveryClient wraps an established connection.
func NewDiscoveryClient(cc grpc.ClientConnInterface) *DiscoveryClient {
	return &DiscoveryClient{cc: cc}
}

func (c *DiscoveryClient) invoke(ctx context.Context, method string, in, out any) error {
	err := c.cc.Invoke(ctx, "/"+discoveryServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
	return fromStatus(ctx, err)
}

// Register announces target and returns it as stored by the router.
func (c *DiscoveryClient) Register(ctx context.Context, target registry.ServiceTarget) (registry.ServiceTarget, error) {
	out := new(RegisterReply)
	if err := c.invoke(ctx, "Register", &RegisterRequest{Target: target}, out); err != nil {
		return registry.ServiceTarget{}, err
	}
	return out.Target, nil
}

// Deregister removes target from the router.
func (c *DiscoveryClient) Deregister(ctx context.Context, target registry.ServiceTarget) error {
	return c.invoke(ctx, "Deregister", &DeregisterRequest{Target: target}, new(emptypb.Empty))
}

// Ping sends a heartbeat for id.
func (c *DiscoveryClient) Ping(ctx context.Context, id string) error {
	return c.invoke(ctx, "Ping", &PingRequest{ID: id}, new(emptypb.Empty))
}

// UpdateState reports a state for id.
func (c *DiscoveryClient) UpdateState(ctx context.Context, id string, state registry.ServiceState) error {
	return c.invoke(ctx, "UpdateState", &UpdateStateRequest{ID: id, State: state}, new(emptypb.Empty))
}
