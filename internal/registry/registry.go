// ABOUTME: Thread-safe registry of capability service instances and their activity records
// ABOUTME: Handles register/deregister/ping/update-state with per-entry locking

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/caprouter/internal/events"
)

// ErrNotFound indicates no registered instance has the requested id.
var ErrNotFound = errors.New("service not found")

// ErrInvalidTarget indicates a registration is missing required fields.
var ErrInvalidTarget = errors.New("invalid service target")

// Defaults for health-sweep timing.
const (
	DefaultMissingAfter    = 30 * time.Second
	DefaultDeregisterAfter = 5 * time.Minute
	DefaultRetention       = 10 * time.Minute
	DefaultMaxStates       = 100
)

// Config holds registry timing and bookkeeping limits.
type Config struct {
	// MissingAfter is the silence after which an instance is marked missing in action.
	MissingAfter time.Duration
	// DeregisterAfter is the silence after which an instance is auto-deregistered.
	DeregisterAfter time.Duration
	// Retention keeps the activity record of an auto-deregistered instance queryable.
	Retention time.Duration
	// MaxStates bounds each state history; the oldest states are trimmed first.
	MaxStates int
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MissingAfter <= 0 {
		c.MissingAfter = DefaultMissingAfter
	}
	if c.DeregisterAfter <= 0 {
		c.DeregisterAfter = DefaultDeregisterAfter
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxStates <= 0 {
		c.MaxStates = DefaultMaxStates
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// entry is one instance. Its mutex guards every field below it.
type entry struct {
	seq uint64

	mu        sync.Mutex
	target    ServiceTarget
	record    ActivityRecord
	routable  bool
	removedAt time.Time
}

// Registry maps instance ids to targets and activity records.
// The map lock is taken for writing to insert, revive or delete ids; other
// state changes on an instance take only that instance's own lock. When both
// are held the map lock is taken first.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64

	cfg    Config
	events *events.Broadcaster[Event]
	logger *slog.Logger
}

// New creates a Registry. A nil broadcaster disables event publication.
func New(cfg Config, broadcaster *events.Broadcaster[Event], logger *slog.Logger) (*Registry, error) {
	cfg = cfg.withDefaults()
	if cfg.MissingAfter >= cfg.DeregisterAfter {
		return nil, fmt.Errorf("missing-in-action timeout (%s) must be shorter than auto-deregistration timeout (%s)",
			cfg.MissingAfter, cfg.DeregisterAfter)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		events:  broadcaster,
		logger:  logger.With("component", "registry"),
	}, nil
}

// Register inserts or refreshes an instance. An empty id is assigned a new UUID.
// The stored target, with its id, is returned.
func (r *Registry) Register(target ServiceTarget) (ServiceTarget, error) {
	if err := validateTarget(target); err != nil {
		return ServiceTarget{}, err
	}
	if target.ID == "" {
		target.ID = uuid.New().String()
	}

	now := r.cfg.Now()

	// The map lock is held across the update so a concurrent Deregister or
	// purge cannot drop the entry between lookup and revival.
	r.mu.Lock()
	e, created := r.entries[target.ID], false
	if e == nil {
		r.nextSeq++
		e = &entry{seq: r.nextSeq}
		r.entries[target.ID] = e
		created = true
	}
	e.mu.Lock()
	revived := !e.routable
	e.target = target
	e.routable = true
	e.removedAt = time.Time{}
	e.record.ID = target.ID
	e.record.LastSeen = now
	e.record.Active = true
	r.appendStateLocked(e, HealthyState(now))
	e.mu.Unlock()
	r.mu.Unlock()

	if created || revived {
		r.logger.Info("=== SERVICE REGISTERED ===",
			"service_id", target.ID,
			"service_name", target.ServiceName,
			"service_type", target.ServiceType,
			"address", target.Address(),
		)
	} else {
		r.logger.Debug("service refreshed", "service_id", target.ID, "service_name", target.ServiceName)
	}

	t := target
	r.publish(Event{Type: EventRegister, ServiceID: target.ID, Target: &t, Timestamp: now})
	return target, nil
}

// Deregister removes an instance and its activity record. When the target
// carries no id it is matched by service name, host and port.
func (r *Registry) Deregister(target ServiceTarget) error {
	id := target.ID
	if id == "" {
		id = r.findByAddress(target)
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, target.ServiceName)
	}

	e.mu.Lock()
	stored := e.target
	wasRoutable := e.routable
	e.routable = false
	e.mu.Unlock()

	r.logger.Info("=== SERVICE DEREGISTERED ===",
		"service_id", stored.ID,
		"service_name", stored.ServiceName,
	)
	if wasRoutable {
		r.publish(Event{Type: EventDeregister, ServiceID: stored.ID, Target: &stored, Timestamp: r.cfg.Now()})
	}
	return nil
}

// Ping records a heartbeat for a routable instance.
func (r *Registry) Ping(id string) error {
	e, err := r.routableEntry(id)
	if err != nil {
		return err
	}
	now := r.cfg.Now()
	state := HealthyState(now)

	e.mu.Lock()
	if !e.routable {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.record.LastSeen = now
	e.record.Active = true
	r.appendStateLocked(e, state)
	e.mu.Unlock()

	r.publish(Event{Type: EventPing, ServiceID: id, State: &state, Timestamp: now})
	return nil
}

// UpdateState appends a state reported by the instance and refreshes lastSeen.
func (r *Registry) UpdateState(id string, state ServiceState) error {
	e, err := r.routableEntry(id)
	if err != nil {
		return err
	}
	now := r.cfg.Now()
	if state.Timestamp.IsZero() {
		state.Timestamp = now
	}

	e.mu.Lock()
	if !e.routable {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.record.LastSeen = now
	e.record.Active = true
	r.appendStateLocked(e, state)
	e.mu.Unlock()

	r.logger.Debug("service state updated", "service_id", id, "healthy", state.Healthy, "reason", state.Reason)
	r.publish(Event{Type: EventUpdate, ServiceID: id, State: &state, Timestamp: now})
	return nil
}

// RecordProbe stores the result of an active health probe. It does not
// count as a sign of life and leaves lastSeen untouched.
func (r *Registry) RecordProbe(id string, probe ProbeStatus) error {
	e, err := r.routableEntry(id)
	if err != nil {
		return err
	}
	if probe.Timestamp.IsZero() {
		probe.Timestamp = r.cfg.Now()
	}

	e.mu.Lock()
	if !e.routable {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := e.record.Probe
	e.record.Probe = &probe
	e.mu.Unlock()

	if prev == nil || prev.Status != probe.Status {
		r.logger.Info("service probe status changed", "service_id", id, "status", probe.Status, "reason", probe.Reason)
		r.publish(Event{Type: EventUpdate, ServiceID: id, Timestamp: probe.Timestamp})
	}
	return nil
}

// Entries returns all routable targets of the given type in registration order.
func (r *Registry) Entries(serviceType ServiceType) []ServiceTarget {
	return r.collect(func(t ServiceTarget) bool { return t.ServiceType == serviceType })
}

// All returns every routable target in registration order.
func (r *Registry) All() []ServiceTarget {
	return r.collect(func(ServiceTarget) bool { return true })
}

// ServiceByName returns the routable targets with the given name and type,
// in registration order.
func (r *Registry) ServiceByName(name string, serviceType ServiceType) []ServiceTarget {
	return r.collect(func(t ServiceTarget) bool {
		return t.ServiceName == name && t.ServiceType == serviceType
	})
}

// Target returns the routable target with the given id.
func (r *Registry) Target(id string) (ServiceTarget, error) {
	e, err := r.routableEntry(id)
	if err != nil {
		return ServiceTarget{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.routable {
		return ServiceTarget{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.target, nil
}

// States returns a snapshot of the activity record for id. Records of
// auto-deregistered instances remain available for the retention period.
func (r *Registry) States(id string) (ActivityRecord, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ActivityRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), nil
}

// Count returns the number of routable instances.
func (r *Registry) Count() int {
	return len(r.All())
}

func (r *Registry) routableEntry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) findByAddress(target ServiceTarget) string {
	for _, t := range r.All() {
		if t.ServiceName == target.ServiceName && t.Host == target.Host && t.Port == target.Port {
			return t.ID
		}
	}
	return ""
}

// collect snapshots the matching routable targets ordered by registration.
func (r *Registry) collect(match func(ServiceTarget) bool) []ServiceTarget {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]ServiceTarget, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		if e.routable && match(e.target) {
			out = append(out, e.target)
		}
		e.mu.Unlock()
	}
	return out
}

// appendStateLocked appends to the state history, trimming the oldest
// states beyond MaxStates. Must be called with e.mu held.
func (r *Registry) appendStateLocked(e *entry, state ServiceState) {
	e.record.States = append(e.record.States, state)
	if over := len(e.record.States) - r.cfg.MaxStates; over > 0 {
		e.record.States = append([]ServiceState(nil), e.record.States[over:]...)
	}
}

func (r *Registry) publish(ev Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

func validateTarget(t ServiceTarget) error {
	if t.ServiceName == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidTarget)
	}
	if !t.ServiceType.Valid() {
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidTarget, t.ServiceType)
	}
	if t.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidTarget)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, t.Port)
	}
	if t.ID != "" {
		if _, err := uuid.Parse(t.ID); err != nil {
			return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidTarget, t.ID)
		}
	}
	return nil
}
