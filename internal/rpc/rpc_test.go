// ABOUTME: Tests for the discovery and capability gRPC contract over an in-memory connection
// ABOUTME: Covers JSON codec round trips, status mapping, and pooled client behaviour

package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/caprouter/internal/registry"
)

type fakeDiscovery struct {
	registered []registry.ServiceTarget
	pinged     []string
	states     []registry.ServiceState
}

func (f *fakeDiscovery) Register(_ context.Context, in *RegisterRequest) (*RegisterReply, error) {
	target := in.Target
	if target.ID == "" {
		target.ID = "11111111-1111-1111-1111-111111111111"
	}
	f.registered = append(f.registered, target)
	return &RegisterReply{Target: target}, nil
}

func (f *fakeDiscovery) Deregister(_ context.Context, in *DeregisterRequest) (*emptypb.Empty, error) {
	return nil, registry.ErrNotFound
}

func (f *fakeDiscovery) Ping(_ context.Context, in *PingRequest) (*emptypb.Empty, error) {
	f.pinged = append(f.pinged, in.ID)
	return &emptypb.Empty{}, nil
}

func (f *fakeDiscovery) UpdateState(_ context.Context, in *UpdateStateRequest) (*emptypb.Empty, error) {
	f.states = append(f.states, in.State)
	return &emptypb.Empty{}, nil
}

type fakeCapability struct {
	delay time.Duration
}

func (f *fakeCapability) Provision(_ context.Context, in *ProvisionRequest) (*ProvisionReply, error) {
	return &ProvisionReply{
		ConfigurationURI: "file:///tmp/" + in.Configuration.Data,
		SecretURI:        "file:///tmp/secret",
		Properties:       map[string]PropertySchema{"city": {Type: "string", Required: true}},
	}, nil
}

func (f *fakeCapability) InvokeTool(ctx context.Context, in *ToolInvokeRequest) (*ToolInvokeReply, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &ToolInvokeReply{Content: []string{"hello", in.Arguments["name"]}}, nil
}

func (f *fakeCapability) AcquireResource(_ context.Context, in *ResourceRequest) (*ResourceReply, error) {
	return &ResourceReply{Content: "contents of " + in.Location, MimeType: "text/plain"}, nil
}

func (f *fakeCapability) GetStatus(context.Context, *StatusRequest) (*StatusReply, error) {
	return &StatusReply{Status: registry.ProbeStarted}, nil
}

func startServer(t *testing.T, register func(*grpc.Server)) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	return append(DialOptions(""), grpc.WithContextDialer(dialer))
}

func TestDiscoveryClient_RoundTrip(t *testing.T) {
	fake := &fakeDiscovery{}
	opts := startServer(t, func(s *grpc.Server) { RegisterDiscoveryServer(s, fake) })

	cc, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	defer cc.Close()
	client := NewDiscoveryClient(cc)
	ctx := context.Background()

	stored, err := client.Register(ctx, registry.ServiceTarget{
		ServiceName: "http", Host: "10.0.0.1", Port: 9000, ServiceType: registry.ToolInvoker,
	})
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", stored.ID)
	assert.Equal(t, registry.ToolInvoker, stored.ServiceType)

	require.NoError(t, client.Ping(ctx, stored.ID))
	assert.Equal(t, []string{stored.ID}, fake.pinged)

	require.NoError(t, client.UpdateState(ctx, stored.ID, registry.FailedState(time.Now(), "boom")))
	require.Len(t, fake.states, 1)
	assert.Equal(t, "boom", fake.states[0].Reason)

	err = client.Deregister(ctx, stored)
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestCapabilityClient_Calls(t *testing.T) {
	opts := startServer(t, func(s *grpc.Server) { RegisterCapabilityServer(s, &fakeCapability{}) })
	client := NewCapabilityClient(opts...)
	defer client.Close()

	target := registry.ServiceTarget{ServiceName: "http", Host: "127.0.0.1", Port: 9000, ServiceType: registry.ToolInvoker}
	ctx := context.Background()

	prov, err := client.Provision(ctx, target, &ProvisionRequest{Configuration: Payload{Data: "cfg"}})
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/cfg", prov.ConfigurationURI)
	assert.True(t, prov.Properties["city"].Required)

	reply, err := client.InvokeTool(ctx, target, &ToolInvokeRequest{Arguments: map[string]string{"name": "world"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"hello", "world"}, reply.Content)

	res, err := client.AcquireResource(ctx, target, &ResourceRequest{Location: "/etc/motd"})
	require.NoError(t, err)
	assert.Equal(t, "contents of /etc/motd", res.Content)
	assert.Equal(t, "text/plain", res.MimeType)

	st, err := client.GetStatus(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, registry.ProbeStarted, st.Status)
}

func TestCapabilityClient_DeadlineSurfacesAsContextError(t *testing.T) {
	opts := startServer(t, func(s *grpc.Server) { RegisterCapabilityServer(s, &fakeCapability{delay: time.Second}) })
	client := NewCapabilityClient(opts...)
	defer client.Close()

	target := registry.ServiceTarget{ServiceName: "slow", Host: "127.0.0.1", Port: 9001, ServiceType: registry.ToolInvoker}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.InvokeTool(ctx, target, &ToolInvokeRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCapabilityClient_ReusesConnections(t *testing.T) {
	opts := startServer(t, func(s *grpc.Server) { RegisterCapabilityServer(s, &fakeCapability{}) })
	client := NewCapabilityClient(opts...)
	defer client.Close()

	target := registry.ServiceTarget{ServiceName: "http", Host: "127.0.0.1", Port: 9000, ServiceType: registry.ToolInvoker}
	_, err := client.GetStatus(context.Background(), target)
	require.NoError(t, err)
	_, err = client.GetStatus(context.Background(), target)
	require.NoError(t, err)

	client.mu.Lock()
	assert.Len(t, client.conns, 1)
	client.mu.Unlock()

	client.Forget(target)
	client.mu.Lock()
	assert.Empty(t, client.conns)
	client.mu.Unlock()
}

func TestJSONCodec_ProtoAndPlainValues(t *testing.T) {
	c := jsonCodec{}

	data, err := c.Marshal(&emptypb.Empty{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
	require.NoError(t, c.Unmarshal(data, &emptypb.Empty{}))

	data, err = c.Marshal(&PingRequest{ID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(data))

	var ping PingRequest
	require.NoError(t, c.Unmarshal(data, &ping))
	assert.Equal(t, "abc", ping.ID)

	assert.Error(t, c.Unmarshal([]byte("{"), &ping))
}

func TestBearerToken_Metadata(t *testing.T) {
	md, err := bearerToken("tok").GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", md["authorization"])
	assert.False(t, bearerToken("tok").RequireTransportSecurity())
}
