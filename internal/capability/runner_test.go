// ABOUTME: End-to-end test of a capability runner against an in-process discovery server
// ABOUTME: Verifies registration, identity persistence, serving, and deregistration on shutdown

package capability

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/caprouter/internal/config"
	"github.com/2389/caprouter/internal/identity"
	"github.com/2389/caprouter/internal/logging"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

const assignedID = "6f1c1f4e-2b7a-4a55-9f7e-3f0a9d1f1a10"

type stubRouter struct {
	mu           sync.Mutex
	registered   []registry.ServiceTarget
	deregistered []registry.ServiceTarget
}

func (s *stubRouter) Register(_ context.Context, in *rpc.RegisterRequest) (*rpc.RegisterReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := in.Target
	if t.ID == "" {
		t.ID = assignedID
	}
	s.registered = append(s.registered, t)
	return &rpc.RegisterReply{Target: t}, nil
}

func (s *stubRouter) Deregister(_ context.Context, in *rpc.DeregisterRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregistered = append(s.deregistered, in.Target)
	return &emptypb.Empty{}, nil
}

func (s *stubRouter) Ping(context.Context, *rpc.PingRequest) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (s *stubRouter) UpdateState(context.Context, *rpc.UpdateStateRequest) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (s *stubRouter) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registered), len(s.deregistered)
}

func startStubRouter(t *testing.T) (*stubRouter, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	router := &stubRouter{}
	rpc.RegisterDiscoveryServer(gs, router)
	go func() { _ = gs.Serve(ln) }()
	t.Cleanup(gs.Stop)
	return router, ln.Addr().String()
}

func TestRunner_RegistersServesAndDeregisters(t *testing.T) {
	router, routerAddr := startStubRouter(t)

	capLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := capLn.Addr().(*net.TCPAddr).Port
	home := t.TempDir()

	cfg := &config.CapabilityConfig{
		Service: config.ServiceConfig{Name: "echo", Type: "tool-invoker", Home: home},
		Server: config.CapabilityServerConfig{
			Addr:          capLn.Addr().String(),
			AdvertiseHost: "127.0.0.1",
			AdvertisePort: port,
		},
		Registration: config.RegistrationConfig{
			RouterAddr: routerAddr,
			Interval:   time.Hour,
		},
	}

	r, err := NewRunner(cfg, Handlers{
		Tool: func(_ context.Context, req *rpc.ToolInvokeRequest, _ Invocation) (any, error) {
			return req.Body, nil
		},
	}, capLn, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, r.Manager().Registered, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, assignedID, r.Manager().Target().ID)

	ids, err := identity.Open(home, "echo")
	require.NoError(t, err)
	id, err := ids.ReadID()
	require.NoError(t, err)
	assert.Equal(t, assignedID, id)

	client := rpc.NewCapabilityClient(rpc.DialOptions("")...)
	defer client.Close()
	target := r.Manager().Target()
	reply, err := client.InvokeTool(context.Background(), target, &rpc.ToolInvokeRequest{URI: "tool://echo", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Content)

	status, err := client.GetStatus(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}

	registered, deregistered := router.counts()
	assert.GreaterOrEqual(t, registered, 1)
	assert.Equal(t, 1, deregistered)
}

func TestNewRunner_RejectsUnknownType(t *testing.T) {
	cfg := &config.CapabilityConfig{
		Service: config.ServiceConfig{Name: "x", Type: "widget", Home: t.TempDir()},
	}
	_, err := NewRunner(cfg, Handlers{}, nil, logging.Discard())
	assert.Error(t, err)
}
