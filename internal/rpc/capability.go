// ABOUTME: Capability gRPC service: provision, invoke-tool, acquire-resource, and status
// ABOUTME: Service descriptor for capability services and the router-side pooled client

package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/2389/caprouter/internal/registry"
)

const capabilityServiceName = "caprouter.v1.Capability"

// CapabilityServer is implemented by every capability service.
type CapabilityServer interface {
	Provision(context.Context, *ProvisionRequest) (*ProvisionReply, error)
	InvokeTool(context.Context, *ToolInvokeRequest) (*ToolInvokeReply, error)
	AcquireResource(context.Context, *ResourceRequest) (*ResourceReply, error)
	GetStatus(context.Context, *StatusRequest) (*StatusReply, error)
}

// RegisterCapabilityServer attaches srv to a gRPC server.
func RegisterCapabilityServer(s grpc.ServiceRegistrar, srv CapabilityServer) {
	s.RegisterService(&capabilityServiceDesc, srv)
}

var capabilityServiceDesc = grpc.ServiceDesc{
	ServiceName: capabilityServiceName,
	HandlerType: (*CapabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Provision",
			Handler: unaryHandler(capabilityServiceName, "Provision", func(srv CapabilityServer, ctx context.Context, in *ProvisionRequest) (any, error) {
				return srv.Provision(ctx, in)
			}),
		},
		{
			MethodName: "InvokeTool",
			Handler: unaryHandler(capabilityServiceName, "InvokeTool", func(srv CapabilityServer, ctx context.Context, in *ToolInvokeRequest) (any, error) {
				return srv.InvokeTool(ctx, in)
			}),
		},
		{
			MethodName: "AcquireResource",
			Handler: unaryHandler(capabilityServiceName, "AcquireResource", func(srv CapabilityServer, ctx context.Context, in *ResourceRequest) (any, error) {
				return srv.AcquireResource(ctx, in)
			}),
		},
		{
			MethodName: "GetStatus",
			Handler: unaryHandler(capabilityServiceName, "GetStatus", func(srv CapabilityServer, ctx context.Context, in *StatusRequest) (any, error) {
				return srv.GetStatus(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "caprouter/v1/capability",
}

// CapabilityClient calls capability services. Connections are opened lazily
// per address and reused.
type CapabilityClient struct {
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewCapabilityClient creates a pooled client. Without options the
// connections are plaintext.
func NewCapabilityClient(opts ...grpc.DialOption) *CapabilityClient {
	if len(opts) == 0 {
		opts = DialOptions("")
	}
	return &CapabilityClient{
		opts:  opts,
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *CapabilityClient) conn(target registry.ServiceTarget) (*grpc.ClientConn, error) {
	addr := target.Address()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *CapabilityClient) invoke(ctx context.Context, target registry.ServiceTarget, method string, in, out any) error {
	cc, err := c.conn(target)
	if err != nil {
		return err
	}
	err = cc.Invoke(ctx, "/"+capabilityServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
	return fromStatus(ctx, err)
}

// Provision sends provisioning material to target.
func (c *CapabilityClient) Provision(ctx context.Context, target registry.ServiceTarget, req *ProvisionRequest) (*ProvisionReply, error) {
	out := new(ProvisionReply)
	if err := c.invoke(ctx, target, "Provision", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvokeTool runs a tool on target.
func (c *CapabilityClient) InvokeTool(ctx context.Context, target registry.ServiceTarget, req *ToolInvokeRequest) (*ToolInvokeReply, error) {
	out := new(ToolInvokeReply)
	if err := c.invoke(ctx, target, "InvokeTool", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcquireResource reads a resource from target.
func (c *CapabilityClient) AcquireResource(ctx context.Context, target registry.ServiceTarget, req *ResourceRequest) (*ResourceReply, error) {
	out := new(ResourceReply)
	if err := c.invoke(ctx, target, "AcquireResource", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus probes the runtime status of target.
func (c *CapabilityClient) GetStatus(ctx context.Context, target registry.ServiceTarget) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.invoke(ctx, target, "GetStatus", &StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget closes and drops the pooled connection to target, if any.
func (c *CapabilityClient) Forget(target registry.ServiceTarget) {
	addr := target.Address()
	c.mu.Lock()
	cc, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		_ = cc.Close()
	}
}

// Close closes every pooled connection.
func (c *CapabilityClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
