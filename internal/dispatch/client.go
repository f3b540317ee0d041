// ABOUTME: Capability client abstraction and per-service backend selection
// ABOUTME: One client per backend, chosen by service name with a shared default

package dispatch

import (
	"context"
	"sync"

	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

// CapabilityClient talks to capability instances. *rpc.CapabilityClient
// satisfies it.
type CapabilityClient interface {
	Provision(ctx context.Context, target registry.ServiceTarget, req *rpc.ProvisionRequest) (*rpc.ProvisionReply, error)
	InvokeTool(ctx context.Context, target registry.ServiceTarget, req *rpc.ToolInvokeRequest) (*rpc.ToolInvokeReply, error)
	AcquireResource(ctx context.Context, target registry.ServiceTarget, req *rpc.ResourceRequest) (*rpc.ResourceReply, error)
	GetStatus(ctx context.Context, target registry.ServiceTarget) (*rpc.StatusReply, error)
}

// Clients selects the backend client for a service.
type Clients struct {
	fallback CapabilityClient

	mu        sync.RWMutex
	byService map[string]CapabilityClient
}

// NewClients creates a selector that uses fallback for unmapped services.
func NewClients(fallback CapabilityClient) *Clients {
	return &Clients{fallback: fallback, byService: make(map[string]CapabilityClient)}
}

// Set routes serviceName to c.
func (c *Clients) Set(serviceName string, client CapabilityClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byService[serviceName] = client
}

// For returns the client for serviceName.
func (c *Clients) For(serviceName string) CapabilityClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if client, ok := c.byService[serviceName]; ok {
		return client
	}
	return c.fallback
}
