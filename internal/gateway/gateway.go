// ABOUTME: Router orchestrator that wires registry, dispatch, storage, and transports
// ABOUTME: Runs the discovery gRPC server, the HTTP management API, and background loops

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/caprouter/internal/auth"
	"github.com/2389/caprouter/internal/config"
	"github.com/2389/caprouter/internal/dispatch"
	"github.com/2389/caprouter/internal/events"
	"github.com/2389/caprouter/internal/mcp"
	"github.com/2389/caprouter/internal/namespace"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
	"github.com/2389/caprouter/internal/store"
)

// discoveryMethodPrefix selects the gRPC methods that require a bearer token.
const discoveryMethodPrefix = "/caprouter.v1.Discovery/"

// Gateway owns every long-lived router component.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	redis       *store.RedisNamespaces
	events      *events.Broadcaster[registry.Event]
	registry    *registry.Registry
	namespaces  *namespace.Allocator
	clients     *rpc.CapabilityClient
	dispatcher  *dispatch.Dispatcher
	prober      *Prober
	mcpServer   *mcp.Server
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	stopBackground context.CancelFunc
	background     sync.WaitGroup
}

// initStore opens the SQLite store. CAPROUTER_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CAPROUTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initNamespaces picks the namespace repository and fills the pool.
func (g *Gateway) initNamespaces(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := g.store.Namespaces()
	if cfg.Redis.Enabled {
		redisRepo, err := store.NewRedisNamespaces(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		}, g.logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		g.redis = redisRepo
		repo = redisRepo
		g.logger.Info("namespace pool stored in redis", "addr", cfg.Redis.Addr)
	}

	g.namespaces = namespace.NewAllocator(repo, cfg.Namespaces.Max, g.logger)
	if err := g.namespaces.Preload(ctx); err != nil {
		return fmt.Errorf("preloading namespaces: %w", err)
	}
	return nil
}

func overflowPolicy(name string) events.OverflowPolicy {
	if name == "disconnect" {
		return events.Disconnect
	}
	return events.DropOldest
}

// newGRPCServer creates the discovery gRPC server, with bearer auth on the
// discovery methods when a verifier is configured.
func newGRPCServer(verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	interceptor := auth.NoAuthUnaryInterceptor()
	if verifier != nil {
		interceptor = auth.UnaryInterceptor(verifier, logger.With("component", "grpc-auth"), discoveryMethodPrefix)
		logger.Info("auth interceptor enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptor),
	)
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  st,
		logger: logger.With("component", "gateway"),
	}
	fail := func(err error) (*Gateway, error) {
		gw.closeComponents()
		return nil, err
	}

	if err := gw.initNamespaces(cfg); err != nil {
		return fail(err)
	}

	gw.events = events.New[registry.Event](events.Config{
		BufferSize: cfg.Events.SubscriberBuffer,
		Policy:     overflowPolicy(cfg.Events.Overflow),
		Logger:     logger,
	})

	gw.registry, err = registry.New(registry.Config{
		MissingAfter:    cfg.Registry.MIAAfter,
		DeregisterAfter: cfg.Registry.DeregisterAfter,
		Retention:       cfg.Registry.Retention,
		MaxStates:       cfg.Registry.MaxStates,
	}, gw.events, logger)
	if err != nil {
		return fail(fmt.Errorf("creating registry: %w", err))
	}

	gw.clients = rpc.NewCapabilityClient(rpc.DialOptions("")...)
	resolver, err := dispatch.NewResolver(cfg.Router.Resolver, gw.registry)
	if err != nil {
		return fail(err)
	}
	gw.dispatcher, err = dispatch.New(dispatch.Config{
		Catalog:       st,
		Ledger:        st,
		Resolver:      resolver,
		Clients:       dispatch.NewClients(gw.clients),
		Namespaces:    gw.namespaces,
		Timeout:       cfg.Router.InvokeTimeout,
		MaxConcurrent: int64(cfg.Router.MaxConcurrent),
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating dispatcher: %w", err))
	}

	if cfg.HealthProbe.Enabled {
		gw.prober, err = NewProber(ProberConfig{
			Targets:     gw.registry,
			Client:      gw.clients,
			Interval:    cfg.HealthProbe.Interval,
			Timeout:     cfg.HealthProbe.Timeout,
			Concurrency: cfg.HealthProbe.Concurrency,
			Logger:      logger,
		})
		if err != nil {
			return fail(err)
		}
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fail(fmt.Errorf("creating JWT verifier: %w", err))
		}
	}

	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Backend:       gw.dispatcher,
		Logger:        logger,
		TokenVerifier: gw.tokenVerifier(),
	})
	if err != nil {
		return fail(fmt.Errorf("creating MCP server: %w", err))
	}

	gw.grpcServer = newGRPCServer(gw.verifier, logger)
	rpc.RegisterDiscoveryServer(gw.grpcServer, newDiscoveryServer(gw.registry, logger))

	// No write timeout: event streams stay open.
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return gw, nil
}

// Handler returns the HTTP handler tree.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Dispatcher returns the tool and resource dispatcher.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// GRPCServer returns the discovery gRPC server.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

// startBackground launches the health sweep and, if enabled, the prober.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopBackground = cancel

	g.background.Go(func() {
		g.registry.Run(ctx, g.config.Registry.SweepInterval)
	})
	if g.prober != nil {
		g.background.Go(func() {
			g.prober.Run(ctx)
		})
	}

	departures := g.events.Subscribe(ctx)
	g.background.Go(func() {
		g.forgetDeparted(departures)
	})
}

// forgetDeparted drops pooled connections to instances that left the registry.
func (g *Gateway) forgetDeparted(sub *events.Subscription[registry.Event]) {
	for ev := range sub.C {
		if ev.Type == registry.EventDeregister && ev.Target != nil {
			g.clients.Forget(*ev.Target)
		}
	}
}

func (g *Gateway) stopBackgroundLoops() {
	if g.stopBackground == nil {
		return
	}
	g.stopBackground()
	g.background.Wait()
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting router",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background loops and blocks until ctx is
// canceled or a server fails. It returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcListener, httpListener)
}

// Serve is Run over caller-provided listeners.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	g.startBackground()
	errCh := g.startServers(grpcLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "caprouter", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
		if err != nil {
			return nil, nil, err
		}
		return grpcLn, httpLn, nil
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases components that may not have been created.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.prober != nil {
		g.prober.Close()
	}
	if g.events != nil {
		g.events.Close()
	}
	if g.clients != nil {
		errs = appendCloseError(errs, "capability clients close", g.clients.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops the servers and background loops and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down router")

	// Closing the broadcaster ends open event streams so HTTP can drain.
	g.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.stopBackgroundLoops()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
