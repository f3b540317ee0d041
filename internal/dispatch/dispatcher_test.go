// ABOUTME: Tests for tool and resource dispatch
// ABOUTME: Covers resolution, provision-once, reply translation, timeouts, and concurrency bounds

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/caprouter/internal/namespace"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

type fakeClient struct {
	mu sync.Mutex

	provisions       int
	provisionErr     error
	provisionProps   map[string]rpc.PropertySchema
	provisionStarted chan struct{}
	provisionGate    chan struct{}
	invokeReply      *rpc.ToolInvokeReply
	invokeErr        error
	resReply         *rpc.ResourceReply
	delay            time.Duration
	lastInvoke       *rpc.ToolInvokeRequest
	lastTarget       registry.ServiceTarget

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeClient) Provision(ctx context.Context, target registry.ServiceTarget, req *rpc.ProvisionRequest) (*rpc.ProvisionReply, error) {
	f.mu.Lock()
	f.provisions++
	err, props := f.provisionErr, f.provisionProps
	started, gate := f.provisionStarted, f.provisionGate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &rpc.ProvisionReply{
		ConfigurationURI: "file:///cfg/" + target.ID,
		SecretURI:        "file:///secret/" + target.ID,
		Properties:       props,
	}, nil
}

func (f *fakeClient) InvokeTool(ctx context.Context, target registry.ServiceTarget, req *rpc.ToolInvokeRequest) (*rpc.ToolInvokeReply, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxInFlight.Load()
		if n <= old || f.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInvoke = req
	f.lastTarget = target
	return f.invokeReply, f.invokeErr
}

func (f *fakeClient) AcquireResource(context.Context, registry.ServiceTarget, *rpc.ResourceRequest) (*rpc.ResourceReply, error) {
	return f.resReply, nil
}

func (f *fakeClient) GetStatus(context.Context, registry.ServiceTarget) (*rpc.StatusReply, error) {
	return &rpc.StatusReply{Status: registry.ProbeStarted}, nil
}

type fixture struct {
	reg        *registry.Registry
	client     *fakeClient
	dispatcher *Dispatcher
	target     registry.ServiceTarget
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reg, err := registry.New(registry.Config{}, nil, nil)
	require.NoError(t, err)

	target, err := reg.Register(registry.ServiceTarget{ServiceName: "weather", Host: "10.0.0.1", Port: 9000, ServiceType: registry.ToolInvoker})
	require.NoError(t, err)
	_, err = reg.Register(registry.ServiceTarget{ServiceName: "files", Host: "10.0.0.2", Port: 9001, ServiceType: registry.ResourceProvider})
	require.NoError(t, err)

	client := &fakeClient{invokeReply: &rpc.ToolInvokeReply{Content: "sunny"}}
	cfg := Config{
		Catalog:  NewMemoryCatalog(),
		Resolver: NewFirstAvailable(reg),
		Clients:  NewClients(client),
		Timeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d.AddTool(ctx, ToolReference{Name: "forecast", Type: "weather", URI: "weather://forecast", ConfigurationData: "units=metric"})
	require.NoError(t, err)
	_, err = d.AddResource(ctx, ResourceReference{Name: "motd", Type: "files", Location: "/etc/motd", MimeType: "text/plain"})
	require.NoError(t, err)

	return &fixture{reg: reg, client: client, dispatcher: d, target: target}
}

func TestInvokeTool_Success(t *testing.T) {
	f := newFixture(t, nil)

	reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{
		Name:      "forecast",
		Arguments: map[string]any{"city": "Paris", "days": 3},
	})

	require.False(t, reply.IsError, reply.Content)
	assert.Equal(t, "sunny", reply.Content)
	assert.NoError(t, reply.Err)

	require.NotNil(t, f.client.lastInvoke)
	assert.Equal(t, "Paris", f.client.lastInvoke.Arguments["city"])
	assert.Equal(t, "3", f.client.lastInvoke.Arguments["days"])
	assert.Equal(t, "weather://forecast", f.client.lastInvoke.URI)
	assert.Equal(t, "file:///cfg/"+f.target.ID, f.client.lastInvoke.ConfigurationURI)
}

func TestInvokeTool_UnknownTool(t *testing.T) {
	f := newFixture(t, nil)

	reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "nope"})
	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrToolNotFound)
}

func TestInvokeTool_NoLiveInstance(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Deregister(f.target))

	reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrServiceNotFound)
	assert.Contains(t, reply.Content, "weather")
	assert.Zero(t, f.client.provisions, "resolution failure must not provision")
}

func TestInvokeTool_ProvisionsOncePerTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reply := f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"})
		require.False(t, reply.IsError)
	}
	assert.Equal(t, 1, f.client.provisions)

	// a new instance under a new id gets its own provisioning
	require.NoError(t, f.reg.Deregister(f.target))
	_, err := f.reg.Register(registry.ServiceTarget{ServiceName: "weather", Host: "10.0.0.3", Port: 9000, ServiceType: registry.ToolInvoker})
	require.NoError(t, err)

	reply := f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"})
	require.False(t, reply.IsError)
	assert.Equal(t, 2, f.client.provisions)
}

func TestInvokeTool_ConcurrentFirstCallsProvisionOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.client.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
		}()
	}
	wg.Wait()

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.Equal(t, 1, f.client.provisions)
}

func TestInvokeTool_CancelledFirstCallerDoesNotFailWaiters(t *testing.T) {
	f := newFixture(t, nil)
	f.client.provisionStarted = make(chan struct{}, 1)
	f.client.provisionGate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan Reply, 1)
	go func() { first <- f.dispatcher.InvokeTool(firstCtx, ToolCall{Name: "forecast"}) }()
	<-f.client.provisionStarted

	second := make(chan Reply, 1)
	go func() { second <- f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"}) }()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	time.Sleep(10 * time.Millisecond)
	close(f.client.provisionGate)

	reply := <-second
	assert.False(t, reply.IsError, reply.Content)
	assert.Equal(t, "sunny", reply.Content)
	<-first

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.Equal(t, 1, f.client.provisions)
}

func TestInvokeTool_MergesProvisionedProperties(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dispatcher.AddTool(ctx, ToolReference{
		Name:        "forecast",
		Type:        "weather",
		URI:         "weather://forecast",
		InputSchema: []byte(`{"type":"object","properties":{"city":{"type":"string","description":"city name"}},"required":["city"]}`),
	})
	require.NoError(t, err)
	f.client.provisionProps = map[string]rpc.PropertySchema{
		"city":  {Type: "number", Description: "overridden"},
		"units": {Type: "string", Description: "metric or imperial", Required: true},
	}

	require.False(t, f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"}).IsError)

	tools, err := f.dispatcher.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"city":  {"type": "string", "description": "city name"},
			"units": {"type": "string", "description": "metric or imperial"}
		},
		"required": ["city", "units"]
	}`, string(tools[0].InputSchema))

	// later calls reuse the ledger and leave the schema alone
	require.False(t, f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"}).IsError)
	again, err := f.dispatcher.Tools(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(tools[0].InputSchema), string(again[0].InputSchema))
}

func TestMergeInputSchema(t *testing.T) {
	props := map[string]rpc.PropertySchema{"query": {Type: "string"}, "limit": {}}

	out, changed, err := mergeInputSchema(nil, props)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"string"}}}`, string(out))

	same := []byte(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}}}`)
	out, changed, err = mergeInputSchema(same, props)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, string(same), string(out))

	out, changed, err = mergeInputSchema(same, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, string(same), string(out))

	_, _, err = mergeInputSchema([]byte(`[1,2]`), props)
	assert.Error(t, err)
}

func TestInvokeTool_ReplacingToolReprovisions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.False(t, f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"}).IsError)
	_, err := f.dispatcher.AddTool(ctx, ToolReference{Name: "forecast", Type: "weather", URI: "weather://v2"})
	require.NoError(t, err)
	require.False(t, f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"}).IsError)

	assert.Equal(t, 2, f.client.provisions)
}

func TestInvokeTool_ProvisionFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.client.provisionErr = errors.New("disk full")

	reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrProvisioning)
	assert.Nil(t, f.client.lastInvoke)
}

func TestInvokeTool_ReplyTranslation(t *testing.T) {
	cases := []struct {
		name    string
		reply   *rpc.ToolInvokeReply
		err     error
		isError bool
		content string
		wantErr error
	}{
		{name: "string", reply: &rpc.ToolInvokeReply{Content: "ok"}, content: "ok"},
		{name: "list joined", reply: &rpc.ToolInvokeReply{Content: []any{"a", "b"}}, content: "a\nb"},
		{name: "number", reply: &rpc.ToolInvokeReply{Content: 42.5}, content: "42.5"},
		{name: "object", reply: &rpc.ToolInvokeReply{Content: map[string]any{"k": "v"}}, content: `{"k":"v"}`},
		{name: "remote error flag", reply: &rpc.ToolInvokeReply{IsError: true, Content: "bad input"}, isError: true, content: "bad input"},
		{name: "nil reply", reply: nil, isError: true, wantErr: ErrInvalidResponseType},
		{name: "nil content", reply: &rpc.ToolInvokeReply{}, isError: true, wantErr: ErrInvalidResponseType},
		{name: "unsupported shape", reply: &rpc.ToolInvokeReply{Content: struct{}{}}, isError: true, wantErr: ErrInvalidResponseType},
		{name: "invalid utf8", reply: &rpc.ToolInvokeReply{Content: string([]byte{0xff, 0xfe})}, isError: true, wantErr: ErrNonConvertableResponse},
		{name: "transport error", err: errors.New("connection reset"), isError: true, wantErr: ErrInvocation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.client.invokeReply = tc.reply
			f.client.invokeErr = tc.err

			reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
			assert.Equal(t, tc.isError, reply.IsError)
			if tc.wantErr != nil {
				assert.ErrorIs(t, reply.Err, tc.wantErr)
				assert.NotEmpty(t, reply.Content)
			} else {
				assert.Equal(t, tc.content, reply.Content)
			}
		})
	}
}

func TestInvokeTool_Timeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 30 * time.Millisecond })
	f.client.delay = time.Second

	started := time.Now()
	reply := f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})

	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrInvocation)
	assert.Contains(t, reply.Content, "timed out")
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestInvokeTool_BoundsConcurrency(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrent = 2 })
	f.client.delay = 20 * time.Millisecond
	// provision up front so the measurement only covers invocations
	require.False(t, f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"}).IsError)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.client.maxInFlight.Load(), int32(2))
}

func TestInvokeTool_CancelledWhileWaitingForSlot(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrent = 1 })
	f.client.delay = 200 * time.Millisecond

	go f.dispatcher.InvokeTool(context.Background(), ToolCall{Name: "forecast"})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	reply := f.dispatcher.InvokeTool(ctx, ToolCall{Name: "forecast"})
	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrInvocation)
}

func TestAcquireResource(t *testing.T) {
	f := newFixture(t, nil)
	f.client.resReply = &rpc.ResourceReply{Content: "welcome"}

	reply := f.dispatcher.AcquireResource(context.Background(), ResourceCall{Name: "motd"})
	require.False(t, reply.IsError, reply.Content)
	assert.Equal(t, "welcome", reply.Content)
	assert.Equal(t, "text/plain", reply.MimeType)

	missing := f.dispatcher.AcquireResource(context.Background(), ResourceCall{Name: "nope"})
	assert.ErrorIs(t, missing.Err, ErrResourceNotFound)
}

func TestAcquireResource_NilReply(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.dispatcher.AcquireResource(context.Background(), ResourceCall{Name: "motd"})
	assert.True(t, reply.IsError)
	assert.ErrorIs(t, reply.Err, ErrInvalidResponseType)
}

func TestAddTool_AllocatesNamespace(t *testing.T) {
	repo := namespace.NewMemoryRepository()
	alloc := namespace.NewAllocator(repo, 2, nil)
	require.NoError(t, alloc.Preload(context.Background()))

	f := newFixture(t, func(c *Config) { c.Namespaces = alloc })

	tool, err := f.dispatcher.AddTool(context.Background(), ToolReference{Name: "t1", Type: "weather", Namespace: "team-a"})
	require.NoError(t, err)
	assert.Equal(t, "ns-0", tool.NamespacePath)

	res, err := f.dispatcher.AddResource(context.Background(), ResourceReference{Name: "r1", Type: "files", Location: "/x", Namespace: "team-a"})
	require.NoError(t, err)
	assert.Equal(t, "ns-0", res.NamespacePath)
}

func TestAddTool_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.dispatcher.AddTool(ctx, ToolReference{Type: "weather"})
	assert.ErrorIs(t, err, ErrInvalidReference)
	_, err = f.dispatcher.AddTool(ctx, ToolReference{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidReference)
	_, err = f.dispatcher.AddTool(ctx, ToolReference{Name: "x", Type: "weather", InputSchema: []byte("{")})
	assert.ErrorIs(t, err, ErrInvalidReference)
	_, err = f.dispatcher.AddResource(ctx, ResourceReference{Name: "x", Type: "files"})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestRemoveTool(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.RemoveTool(ctx, "forecast"))
	assert.ErrorIs(t, f.dispatcher.RemoveTool(ctx, "forecast"), ErrToolNotFound)

	tools, err := f.dispatcher.Tools(ctx)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestResolvers(t *testing.T) {
	reg, err := registry.New(registry.Config{}, nil, nil)
	require.NoError(t, err)
	a, _ := reg.Register(registry.ServiceTarget{ServiceName: "svc", Host: "a", Port: 1, ServiceType: registry.ToolInvoker})
	b, _ := reg.Register(registry.ServiceTarget{ServiceName: "svc", Host: "b", Port: 1, ServiceType: registry.ToolInvoker})

	first, err := NewResolver("", reg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := first.Resolve("svc", registry.ToolInvoker)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	}

	rr, err := NewResolver(PolicyRoundRobin, reg)
	require.NoError(t, err)
	got1, _ := rr.Resolve("svc", registry.ToolInvoker)
	got2, _ := rr.Resolve("svc", registry.ToolInvoker)
	got3, _ := rr.Resolve("svc", registry.ToolInvoker)
	assert.Equal(t, []string{a.ID, b.ID, a.ID}, []string{got1.ID, got2.ID, got3.ID})

	_, err = first.Resolve("svc", registry.ResourceProvider)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, err = NewResolver("random", reg)
	assert.Error(t, err)
}

func TestClients_PerServiceOverride(t *testing.T) {
	def := &fakeClient{}
	special := &fakeClient{}
	c := NewClients(def)
	c.Set("special", special)

	assert.Same(t, def, c.For("anything").(*fakeClient))
	assert.Same(t, special, c.For("special").(*fakeClient))
}

func TestCoerceContent(t *testing.T) {
	got, err := coerceContent([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "x\ny", got)

	got, err = coerceContent(true)
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	_, err = coerceContent([]any{"ok", nil})
	assert.ErrorIs(t, err, ErrInvalidResponseType)

	_, err = coerceContent([]byte{0xc3, 0x28})
	assert.ErrorIs(t, err, ErrNonConvertableResponse)
}
