// ABOUTME: Lifecycle of a capability service process
// ABOUTME: Serves the capability gRPC API, keeps the instance registered, deregisters on shutdown

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/caprouter/internal/config"
	"github.com/2389/caprouter/internal/discovery"
	"github.com/2389/caprouter/internal/identity"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

// shutdownTimeout bounds deregistration and graceful stop.
const shutdownTimeout = 5 * time.Second

// Handlers supplies the service's behavior. Set the one matching the
// configured service type.
type Handlers struct {
	Tool     ToolHandler
	Resource ResourceHandler
}

// Runner runs one capability instance.
type Runner struct {
	cfg      *config.CapabilityConfig
	server   *Server
	grpc     *grpc.Server
	manager  *discovery.Manager
	conn     *grpc.ClientConn
	listener net.Listener
	logger   *slog.Logger
}

// NewRunner builds the server, opens the identity store, and prepares the
// registration manager. A nil listener means listen on cfg.Server.Addr.
func NewRunner(cfg *config.CapabilityConfig, h Handlers, ln net.Listener, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serviceType, err := registry.ParseServiceType(cfg.Service.Type)
	if err != nil {
		return nil, err
	}

	props := make(map[string]rpc.PropertySchema, len(cfg.Properties))
	for name, p := range cfg.Properties {
		props[name] = rpc.PropertySchema{Type: p.Type, Description: p.Description, Required: p.Required}
	}

	server, err := NewServer(ServerConfig{
		Home:       cfg.Service.Home,
		Properties: props,
		Tool:       h.Tool,
		Resource:   h.Resource,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	ids, err := identity.Open(cfg.Service.Home, cfg.Service.Name)
	if err != nil {
		return nil, fmt.Errorf("opening identity: %w", err)
	}

	conn, err := rpc.Dial(cfg.Registration.RouterAddr, cfg.Registration.Token)
	if err != nil {
		return nil, fmt.Errorf("dialing router: %w", err)
	}

	manager, err := discovery.NewManager(discovery.ManagerConfig{
		Client: rpc.NewDiscoveryClient(conn),
		Target: registry.ServiceTarget{
			ServiceName: cfg.Service.Name,
			Host:        cfg.Server.AdvertiseHost,
			Port:        cfg.Server.AdvertisePort,
			ServiceType: serviceType,
		},
		Identity:     ids,
		Interval:     cfg.Registration.Interval,
		InitialDelay: cfg.Registration.InitialDelay,
		Retries:      cfg.Registration.Retries,
		RetryWait:    cfg.Registration.RetryWait,
		PingEnabled:  cfg.Registration.Ping,
		Logger:       logger,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	server.SetReporter(manager)

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	rpc.RegisterCapabilityServer(gs, server)

	return &Runner{
		cfg:      cfg,
		server:   server,
		grpc:     gs,
		manager:  manager,
		conn:     conn,
		listener: ln,
		logger:   logger.With("component", "runner", "service_name", cfg.Service.Name),
	}, nil
}

// Manager exposes the registration manager.
func (r *Runner) Manager() *discovery.Manager {
	return r.manager
}

// Run serves until ctx is cancelled, then deregisters and stops.
func (r *Runner) Run(ctx context.Context) error {
	ln := r.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", r.cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", r.cfg.Server.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("capability server listening", "addr", ln.Addr().String())
		if err := r.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return r.manager.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	return g.Wait()
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.manager.Deregister(ctx); err != nil {
		r.logger.Warn("deregistration failed", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		r.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		r.grpc.Stop()
	}

	if err := r.conn.Close(); err != nil {
		r.logger.Debug("closing router connection", "error", err)
	}
	r.logger.Info("capability stopped")
}
