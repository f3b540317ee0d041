// ABOUTME: Resolution of a service name to one live capability instance
// ABOUTME: First-available and round-robin selection policies

package dispatch

import (
	"fmt"
	"sync"

	"github.com/2389/caprouter/internal/registry"
)

// Selection policy names accepted by NewResolver.
const (
	PolicyFirstAvailable = "first-available"
	PolicyRoundRobin     = "round-robin"
)

// TargetLookup lists live instances; *registry.Registry satisfies it.
type TargetLookup interface {
	ServiceByName(name string, serviceType registry.ServiceType) []registry.ServiceTarget
}

// Resolver picks the instance that serves a call.
type Resolver interface {
	Resolve(serviceName string, serviceType registry.ServiceType) (registry.ServiceTarget, error)
}

// NewResolver builds the resolver for policy. An empty policy means first-available.
func NewResolver(policy string, lookup TargetLookup) (Resolver, error) {
	switch policy {
	case "", PolicyFirstAvailable:
		return &FirstAvailable{lookup: lookup}, nil
	case PolicyRoundRobin:
		return NewRoundRobin(lookup), nil
	default:
		return nil, fmt.Errorf("unknown resolver policy %q", policy)
	}
}

// FirstAvailable returns the earliest-registered live instance.
type FirstAvailable struct {
	lookup TargetLookup
}

// NewFirstAvailable creates a first-available resolver.
func NewFirstAvailable(lookup TargetLookup) *FirstAvailable {
	return &FirstAvailable{lookup: lookup}
}

func (f *FirstAvailable) Resolve(serviceName string, serviceType registry.ServiceType) (registry.ServiceTarget, error) {
	targets := f.lookup.ServiceByName(serviceName, serviceType)
	if len(targets) == 0 {
		return registry.ServiceTarget{}, fmt.Errorf("%w %s", ErrServiceNotFound, serviceName)
	}
	return targets[0], nil
}

// RoundRobin rotates through live instances of each service.
type RoundRobin struct {
	lookup TargetLookup

	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobin creates a round-robin resolver.
func NewRoundRobin(lookup TargetLookup) *RoundRobin {
	return &RoundRobin{lookup: lookup, next: make(map[string]int)}
}

func (r *RoundRobin) Resolve(serviceName string, serviceType registry.ServiceType) (registry.ServiceTarget, error) {
	targets := r.lookup.ServiceByName(serviceName, serviceType)
	if len(targets) == 0 {
		return registry.ServiceTarget{}, fmt.Errorf("%w %s", ErrServiceNotFound, serviceName)
	}

	key := string(serviceType) + "/" + serviceName
	r.mu.Lock()
	i := r.next[key] % len(targets)
	r.next[key] = i + 1
	r.mu.Unlock()

	return targets[i], nil
}
