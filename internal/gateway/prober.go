// ABOUTME: Active health probe calling GetStatus on every registered capability instance
// ABOUTME: Bounded fan-out per round; a recently probed target is skipped until its window passes

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/caprouter/internal/dedupe"
	"github.com/2389/caprouter/internal/registry"
	"github.com/2389/caprouter/internal/rpc"
)

// Probe defaults.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbeConcurrency = 8
)

// StatusClient asks an instance for its runtime status.
type StatusClient interface {
	GetStatus(ctx context.Context, target registry.ServiceTarget) (*rpc.StatusReply, error)
}

// ProbeTargets is the registry surface the prober needs.
type ProbeTargets interface {
	All() []registry.ServiceTarget
	RecordProbe(id string, probe registry.ProbeStatus) error
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Targets     ProbeTargets
	Client      StatusClient
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Prober periodically checks every registered instance.
type Prober struct {
	targets     ProbeTargets
	client      StatusClient
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	recent      *dedupe.Cache
	now         func() time.Time
	logger      *slog.Logger
}

// NewProber creates a Prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Targets == nil || cfg.Client == nil {
		return nil, errors.New("prober requires targets and a status client")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultProbeConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		targets:     cfg.Targets,
		client:      cfg.Client,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		// Half an interval: the next scheduled round always probes again,
		// an overlapping one does not.
		recent: dedupe.New(cfg.Interval/2, 100_000),
		now:    cfg.Now,
		logger: logger.With("component", "prober"),
	}, nil
}

// Run probes on every tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("health probe started", "interval", p.interval, "timeout", p.timeout, "concurrency", p.concurrency)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health probe stopped")
			return
		case <-ticker.C:
			n := p.ProbeOnce(ctx)
			p.logger.Debug("probe round complete", "probed", n)
		}
	}
}

// ProbeOnce runs one round and returns how many instances were probed.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	var probed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, target := range p.targets.All() {
		if !p.recent.Claim(target.ID) {
			continue
		}
		g.Go(func() error {
			p.probe(gctx, target)
			probed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(probed.Load())
}

func (p *Prober) probe(ctx context.Context, target registry.ServiceTarget) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := registry.ProbeStatus{Timestamp: p.now()}
	reply, err := p.client.GetStatus(ctx, target)
	switch {
	case err != nil:
		result.Status = registry.ProbeDown
		result.Reason = err.Error()
		p.logger.Debug("probe failed", "service_id", target.ID, "address", target.Address(), "error", err)
	case reply == nil || reply.Status == "":
		result.Status = registry.ProbeDown
		result.Reason = "empty status reply"
	default:
		result.Status = reply.Status
		result.Reason = reply.Reason
	}

	if err := p.targets.RecordProbe(target.ID, result); err != nil && !errors.Is(err, registry.ErrNotFound) {
		p.logger.Warn("recording probe result", "service_id", target.ID, "error", err)
	}
}

// Close releases the recent-probe cache.
func (p *Prober) Close() {
	p.recent.Close()
}
