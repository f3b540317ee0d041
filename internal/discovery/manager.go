// ABOUTME: Capability-side registration manager: announce, heartbeat, and deregister
// ABOUTME: Bounded retries with cancellable waits; identity is persisted after first success

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/caprouter/internal/identity"
	"github.com/2389/caprouter/internal/registry"
)

// ErrRetriesExhausted indicates a registration cycle used up its retries.
var ErrRetriesExhausted = errors.New("registration retries exhausted")

// Defaults for heartbeat timing.
const (
	DefaultInterval     = 10 * time.Second
	DefaultInitialDelay = time.Second
	DefaultRetries      = 3
	DefaultRetryWait    = 3 * time.Second
)

// Client is the router's discovery surface as seen from a capability service.
type Client interface {
	Register(ctx context.Context, target registry.ServiceTarget) (registry.ServiceTarget, error)
	Deregister(ctx context.Context, target registry.ServiceTarget) error
	Ping(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state registry.ServiceState) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Client   Client
	Target   registry.ServiceTarget
	Identity *identity.Store

	Interval     time.Duration
	InitialDelay time.Duration
	Retries      int
	RetryWait    time.Duration
	// PingEnabled heartbeats with Ping once registered, re-registering
	// only when the router no longer knows the instance.
	PingEnabled bool

	Logger *slog.Logger
}

// Manager keeps one capability instance registered with the router.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu         sync.Mutex
	target     registry.ServiceTarget
	registered bool
}

// NewManager creates a Manager, filling in default timings.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errors.New("discovery client is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryWait < 0 {
		cfg.RetryWait = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		target: cfg.Target,
		logger: logger.With("component", "registration", "service_name", cfg.Target.ServiceName),
	}, nil
}

// Target returns the current view of this instance, including its id once known.
func (m *Manager) Target() registry.ServiceTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Registered reports whether the last registration cycle succeeded.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Start loads the stored identity, registers, and then heartbeats until ctx
// is cancelled. A failed first registration is logged; the heartbeat keeps
// trying on later cycles.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadIdentity(); err != nil {
		return err
	}
	if err := m.Register(ctx); err != nil && ctx.Err() != nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(m.cfg.InitialDelay):
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Manager) loadIdentity() error {
	if m.cfg.Identity == nil || !m.cfg.Identity.Exists() {
		return nil
	}
	id, err := m.cfg.Identity.ReadID()
	if err != nil {
		return fmt.Errorf("reading instance identity: %w", err)
	}
	m.mu.Lock()
	m.target.ID = id
	m.mu.Unlock()
	m.logger.Info("loaded instance identity", "service_id", id)
	return nil
}

func (m *Manager) heartbeat(ctx context.Context) {
	if m.cfg.PingEnabled && m.Registered() {
		err := m.ping(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, registry.ErrNotFound) {
			m.logger.Warn("heartbeat ping failed", "error", err)
			return
		}
		m.logger.Info("router no longer knows this instance, re-registering")
	}
	_ = m.Register(ctx)
}

// Register runs one registration cycle with bounded retries. Each retry waits
// RetryWait; cancelling ctx aborts the wait immediately. A target the router
// rejects as invalid is not retried.
func (m *Manager) Register(ctx context.Context) error {
	target := m.Target()
	attempts := m.cfg.Retries

	for {
		stored, err := m.cfg.Client.Register(ctx, target)
		if err == nil {
			m.onRegistered(stored)
			return nil
		}

		attempts--
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, registry.ErrInvalidTarget) {
			m.markUnregistered()
			m.logger.Error("registration rejected by router", "error", err)
			return err
		}
		if attempts <= 0 {
			m.markUnregistered()
			m.logger.Error("registration failed, giving up until next cycle",
				"retries", m.cfg.Retries,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		m.logger.Warn("registration failed, retrying",
			"remaining", attempts,
			"wait", m.cfg.RetryWait,
			"error", err,
		)
		if err := wait(ctx, m.cfg.RetryWait); err != nil {
			return err
		}
	}
}

func (m *Manager) markUnregistered() {
	m.mu.Lock()
	m.registered = false
	m.mu.Unlock()
}

func (m *Manager) onRegistered(stored registry.ServiceTarget) {
	m.mu.Lock()
	first := !m.registered
	m.target = stored
	m.registered = true
	m.mu.Unlock()

	if first {
		m.logger.Info("=== REGISTERED WITH ROUTER ===", "service_id", stored.ID, "address", stored.Address())
	} else {
		m.logger.Debug("registration refreshed", "service_id", stored.ID)
	}

	if m.cfg.Identity == nil || m.cfg.Identity.Exists() {
		return
	}
	err := m.cfg.Identity.CreateAndWrite(stored.ID, stored.ServiceType)
	if err != nil && !errors.Is(err, identity.ErrAlreadyExists) {
		m.logger.Error("failed to persist instance identity", "error", err)
	}
}

func (m *Manager) ping(ctx context.Context) error {
	id := m.Target().ID
	return m.cfg.Client.Ping(ctx, id)
}

// Deregister removes this instance from the router. Failures are logged and
// returned but callers shutting down may ignore them.
func (m *Manager) Deregister(ctx context.Context) error {
	target := m.Target()
	if target.ID == "" {
		return nil
	}
	if err := m.cfg.Client.Deregister(ctx, target); err != nil {
		m.logger.Warn("deregistration failed", "service_id", target.ID, "error", err)
		return err
	}
	m.mu.Lock()
	m.registered = false
	m.mu.Unlock()
	m.logger.Info("deregistered from router", "service_id", target.ID)
	return nil
}

// ReportSuccess records a healthy state for this instance.
func (m *Manager) ReportSuccess(ctx context.Context) error {
	return m.report(ctx, registry.HealthyState(time.Now()))
}

// ReportFailure records an unhealthy state with reason.
func (m *Manager) ReportFailure(ctx context.Context, reason string) error {
	return m.report(ctx, registry.FailedState(time.Now(), reason))
}

func (m *Manager) report(ctx context.Context, state registry.ServiceState) error {
	id := m.Target().ID
	if id == "" {
		return errors.New("instance is not registered")
	}
	if err := m.cfg.Client.UpdateState(ctx, id, state); err != nil {
		m.logger.Warn("state update failed", "service_id", id, "error", err)
		return err
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
