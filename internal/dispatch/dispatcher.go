// ABOUTME: Dispatches tool invocations and resource reads to live capability instances
// ABOUTME: Resolves, provisions once per instance, bounds concurrency, and enforces deadlines

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/2389/caprouter/internal/namespace"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

// DefaultTimeout is the default deadline for one remote call.
const DefaultTimeout = 30 * time.Second

// DefaultMaxConcurrent bounds in-flight remote calls.
const DefaultMaxConcurrent = 64

// NamespaceAllocator binds logical namespace names to pool slots.
type NamespaceAllocator interface {
	Allocate(ctx context.Context, name string) (namespace.Namespace, error)
}

// Config contains configuration options for the Dispatcher.
type Config struct {
	Catalog    Catalog
	Ledger     ProvisionLedger
	Resolver   Resolver
	Clients    *Clients
	Namespaces NamespaceAllocator

	Timeout       time.Duration
	MaxConcurrent int64
	Logger        *slog.Logger
}

// ToolCall is a client request to run a tool.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Body      string
	Headers   map[string]string
}

// ResourceCall is a client request to read a resource.
type ResourceCall struct {
	Name   string
	Params map[string]string
}

// Dispatcher routes calls to capability instances.
type Dispatcher struct {
	catalog    Catalog
	ledger     ProvisionLedger
	resolver   Resolver
	clients    *Clients
	namespaces NamespaceAllocator

	timeout time.Duration
	slots   *semaphore.Weighted
	flight  singleflight.Group
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil || cfg.Resolver == nil || cfg.Clients == nil {
		return nil, errors.New("dispatcher requires a catalog, a resolver, and clients")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		resolver:   cfg.Resolver,
		clients:    cfg.Clients,
		namespaces: cfg.Namespaces,
		timeout:    cfg.Timeout,
		slots:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:     logger.With("component", "dispatcher"),
	}, nil
}

// InvokeTool runs a catalogued tool on a live instance of its service.
// It never returns an error: failures come back as replies with IsError set.
func (d *Dispatcher) InvokeTool(ctx context.Context, call ToolCall) Reply {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return failure(fmt.Errorf("%w: %v", ErrInvocation, err))
	}
	defer d.slots.Release(1)

	tool, err := d.catalog.GetTool(ctx, call.Name)
	if err != nil {
		return failure(err)
	}
	target, err := d.resolver.Resolve(tool.Type, registry.ToolInvoker)
	if err != nil {
		d.logger.Warn("no instance for tool", "tool_name", tool.Name, "service_name", tool.Type)
		return failure(err)
	}
	client := d.clients.For(target.ServiceName)

	key := ProvisionKey{Kind: KindTool, Name: tool.Name, TargetID: target.ID}
	ref, err := d.provision(ctx, client, key, tool.URI, tool.ConfigurationData, tool.SecretsData, target)
	if err != nil {
		return failure(err)
	}

	args, err := stringifyArguments(call.Arguments)
	if err != nil {
		return failure(fmt.Errorf("%w: %v", ErrInvocation, err))
	}

	d.logger.Info("→ dispatching tool",
		"tool_name", tool.Name,
		"service_id", target.ID,
		"address", target.Address(),
	)
	started := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	raw, err := client.InvokeTool(callCtx, target, &rpc.ToolInvokeRequest{
		URI:              tool.URI,
		Body:             call.Body,
		Arguments:        args,
		Headers:          call.Headers,
		ConfigurationURI: ref.ConfigurationURI,
		SecretsURI:       ref.SecretsURI,
	})
	if err != nil {
		d.logger.Warn("tool invocation failed", "tool_name", tool.Name, "service_id", target.ID, "error", err)
		return failure(d.invocationError(err))
	}

	reply := translateTool(raw)
	d.logger.Info("← tool responded",
		"tool_name", tool.Name,
		"service_id", target.ID,
		"is_error", reply.IsError,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return reply
}

// AcquireResource reads a catalogued resource from a live instance of its
// service. Like InvokeTool it reports failures as replies.
func (d *Dispatcher) AcquireResource(ctx context.Context, call ResourceCall) Reply {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return failure(fmt.Errorf("%w: %v", ErrInvocation, err))
	}
	defer d.slots.Release(1)

	res, err := d.catalog.GetResource(ctx, call.Name)
	if err != nil {
		return failure(err)
	}
	target, err := d.resolver.Resolve(res.Type, registry.ResourceProvider)
	if err != nil {
		d.logger.Warn("no instance for resource", "resource_name", res.Name, "service_name", res.Type)
		return failure(err)
	}
	client := d.clients.For(target.ServiceName)

	key := ProvisionKey{Kind: KindResource, Name: res.Name, TargetID: target.ID}
	ref, err := d.provision(ctx, client, key, res.Location, res.ConfigurationData, res.SecretsData, target)
	if err != nil {
		return failure(err)
	}

	d.logger.Info("→ acquiring resource",
		"resource_name", res.Name,
		"service_id", target.ID,
		"address", target.Address(),
	)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	raw, err := client.AcquireResource(callCtx, target, &rpc.ResourceRequest{
		Location:         res.Location,
		Type:             res.Type,
		Name:             res.Name,
		Params:           call.Params,
		ConfigurationURI: ref.ConfigurationURI,
		SecretsURI:       ref.SecretsURI,
	})
	if err != nil {
		d.logger.Warn("resource acquisition failed", "resource_name", res.Name, "service_id", target.ID, "error", err)
		return failure(d.invocationError(err))
	}
	return translateResource(raw, res.MimeType)
}

// provision delivers configuration and secrets once per key. Concurrent
// first calls for the same key share a single remote provision, which is
// detached from the caller that started it so one cancelled caller does not
// fail the others waiting on it. Properties reported by a tool's service
// are folded into the tool's input schema.
func (d *Dispatcher) provision(ctx context.Context, client CapabilityClient, key ProvisionKey, uri, configData, secretsData string, target registry.ServiceTarget) (ProvisioningReference, error) {
	if ref, ok, err := d.ledger.Lookup(ctx, key); err != nil {
		return ProvisioningReference{}, fmt.Errorf("%w: reading ledger: %v", ErrProvisioning, err)
	} else if ok {
		return ref, nil
	}

	v, err, _ := d.flight.Do(key.String(), func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if ref, ok, err := d.ledger.Lookup(pctx, key); err == nil && ok {
			return ref, nil
		}
		reply, err := client.Provision(pctx, target, &rpc.ProvisionRequest{
			URI:           uri,
			Configuration: rpc.Payload{Data: configData},
			Secret:        rpc.Payload{Data: secretsData},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s on %s: %v", ErrProvisioning, key.Name, target.ID, err)
		}
		if reply == nil {
			return nil, fmt.Errorf("%w: %s on %s: empty reply", ErrProvisioning, key.Name, target.ID)
		}

		ref := ProvisioningReference{
			ConfigurationURI: reply.ConfigurationURI,
			SecretsURI:       reply.SecretURI,
			Properties:       reply.Properties,
		}
		if key.Kind == KindTool {
			d.extendToolSchema(pctx, key.Name, reply.Properties)
		}
		if err := d.ledger.Record(pctx, key, ref); err != nil {
			d.logger.Warn("failed to record provisioning", "key", key.String(), "error", err)
		}
		d.logger.Info("provisioned", "kind", key.Kind, "name", key.Name, "service_id", target.ID)
		return ref, nil
	})
	if err != nil {
		return ProvisioningReference{}, err
	}
	return v.(ProvisioningReference), nil
}

func (d *Dispatcher) invocationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out after %s", ErrInvocation, d.timeout)
	}
	return fmt.Errorf("%w: %v", ErrInvocation, err)
}

// AddTool validates, binds its namespace, and stores a tool. Replacing a
// tool discards earlier provisioning so new material is delivered.
func (d *Dispatcher) AddTool(ctx context.Context, tool ToolReference) (ToolReference, error) {
	if err := validateTool(tool); err != nil {
		return ToolReference{}, err
	}
	if tool.Namespace != "" && d.namespaces != nil {
		ns, err := d.namespaces.Allocate(ctx, tool.Namespace)
		if err != nil {
			return ToolReference{}, err
		}
		tool.NamespacePath = ns.Path
	}
	if err := d.ledger.Forget(ctx, KindTool, tool.Name); err != nil {
		return ToolReference{}, fmt.Errorf("resetting provisioning: %w", err)
	}
	if err := d.catalog.SaveTool(ctx, tool); err != nil {
		return ToolReference{}, fmt.Errorf("saving tool: %w", err)
	}
	d.logger.Info("tool added", "tool_name", tool.Name, "service_name", tool.Type, "namespace", tool.NamespacePath)
	return tool, nil
}

// RemoveTool deletes a tool and its provisioning records.
func (d *Dispatcher) RemoveTool(ctx context.Context, name string) error {
	if err := d.catalog.DeleteTool(ctx, name); err != nil {
		return err
	}
	return d.ledger.Forget(ctx, KindTool, name)
}

// Tools lists the catalogued tools.
func (d *Dispatcher) Tools(ctx context.Context) ([]ToolReference, error) {
	return d.catalog.ListTools(ctx)
}

// AddResource validates, binds its namespace, and stores a resource.
func (d *Dispatcher) AddResource(ctx context.Context, res ResourceReference) (ResourceReference, error) {
	if err := validateResource(res); err != nil {
		return ResourceReference{}, err
	}
	if res.Namespace != "" && d.namespaces != nil {
		ns, err := d.namespaces.Allocate(ctx, res.Namespace)
		if err != nil {
			return ResourceReference{}, err
		}
		res.NamespacePath = ns.Path
	}
	if err := d.ledger.Forget(ctx, KindResource, res.Name); err != nil {
		return ResourceReference{}, fmt.Errorf("resetting provisioning: %w", err)
	}
	if err := d.catalog.SaveResource(ctx, res); err != nil {
		return ResourceReference{}, fmt.Errorf("saving resource: %w", err)
	}
	d.logger.Info("resource added", "resource_name", res.Name, "service_name", res.Type, "namespace", res.NamespacePath)
	return res, nil
}

// RemoveResource deletes a resource and its provisioning records.
func (d *Dispatcher) RemoveResource(ctx context.Context, name string) error {
	if err := d.catalog.DeleteResource(ctx, name); err != nil {
		return err
	}
	return d.ledger.Forget(ctx, KindResource, name)
}

// Resources lists the catalogued resources.
func (d *Dispatcher) Resources(ctx context.Context) ([]ResourceReference, error) {
	return d.catalog.ListResources(ctx)
}
