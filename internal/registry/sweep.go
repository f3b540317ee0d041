// ABOUTME: Periodic health sweep that ages out silent service instances
// ABOUTME: Marks instances missing in action, then auto-deregisters and finally purges them

package registry

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often Run evaluates instance liveness.
const DefaultSweepInterval = 10 * time.Second

type sample struct {
	id       string
	e        *entry
	lastSeen time.Time
}

// Sweep evaluates every instance once against the configured timeouts.
//
// Instances silent for at least MissingAfter are marked missing in action
// (once). Instances silent for at least DeregisterAfter are removed from the
// routable set; their activity record is kept until Retention expires. An
// instance whose lastSeen moved after it was sampled is skipped.
func (r *Registry) Sweep() {
	samples := r.sample()
	now := r.cfg.Now()

	for _, s := range samples {
		if ev, ok := r.evaluate(s, now); ok {
			r.publish(ev)
		}
	}
	r.purge(now)
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("health sweep started",
		"interval", interval,
		"missing_after", r.cfg.MissingAfter,
		"deregister_after", r.cfg.DeregisterAfter,
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health sweep stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) sample() []sample {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		list = append(list, e)
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]sample, 0, len(list))
	for i, e := range list {
		e.mu.Lock()
		if e.routable {
			out = append(out, sample{id: ids[i], e: e, lastSeen: e.record.LastSeen})
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) evaluate(s sample, now time.Time) (Event, bool) {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.routable || !e.record.LastSeen.Equal(s.lastSeen) {
		return Event{}, false
	}

	elapsed := now.Sub(e.record.LastSeen)
	switch {
	case elapsed >= r.cfg.DeregisterAfter:
		state := FailedState(now, ReasonAutoDeregistered)
		r.appendStateLocked(e, state)
		e.record.Active = false
		e.routable = false
		e.removedAt = now
		target := e.target

		r.logger.Warn("=== SERVICE AUTO-DEREGISTERED ===",
			"service_id", s.id,
			"service_name", target.ServiceName,
			"silent_for", elapsed.Round(time.Second),
		)
		return Event{Type: EventDeregister, ServiceID: s.id, Target: &target, State: &state, Timestamp: now}, true

	case elapsed >= r.cfg.MissingAfter:
		if e.record.lastReason() == ReasonMissingInAction {
			return Event{}, false
		}
		state := FailedState(now, ReasonMissingInAction)
		r.appendStateLocked(e, state)
		e.record.Active = false

		r.logger.Warn("service missing in action",
			"service_id", s.id,
			"service_name", e.target.ServiceName,
			"silent_for", elapsed.Round(time.Second),
		)
		return Event{Type: EventUpdate, ServiceID: s.id, State: &state, Timestamp: now}, true
	}
	return Event{}, false
}

// purge drops the records of auto-deregistered instances past retention.
func (r *Registry) purge(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		e.mu.Lock()
		expired := !e.routable && !e.removedAt.IsZero() && now.Sub(e.removedAt) >= r.cfg.Retention
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			r.logger.Debug("activity record purged", "service_id", id)
		}
	}
}
