// ABOUTME: Data model for registered capability services and their activity history
// ABOUTME: ServiceTarget, ServiceState, ActivityRecord, and lifecycle Event types

package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ServiceType is the capability family a service provides.
type ServiceType string

const (
	ToolInvoker      ServiceType = "tool-invoker"
	ResourceProvider ServiceType = "resource-provider"
)

// ParseServiceType accepts both the wire form ("tool-invoker") and the
// constant form ("TOOL_INVOKER").
func ParseServiceType(s string) (ServiceType, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case string(ToolInvoker):
		return ToolInvoker, nil
	case string(ResourceProvider):
		return ResourceProvider, nil
	default:
		return "", fmt.Errorf("unknown service type %q", s)
	}
}

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	return t == ToolInvoker || t == ResourceProvider
}

// Code is the numeric form stored in instance identity files.
func (t ServiceType) Code() uint32 {
	switch t {
	case ToolInvoker:
		return 1
	case ResourceProvider:
		return 2
	default:
		return 0
	}
}

// ServiceTypeFromCode is the inverse of Code.
func ServiceTypeFromCode(code uint32) (ServiceType, error) {
	switch code {
	case 1:
		return ToolInvoker, nil
	case 2:
		return ResourceProvider, nil
	default:
		return "", fmt.Errorf("unknown service type code %d", code)
	}
}

// ServiceTarget is a routable capability service instance.
type ServiceTarget struct {
	ID          string      `json:"id"`
	ServiceName string      `json:"serviceName"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	ServiceType ServiceType `json:"serviceType"`
}

// Address renders host:port.
func (t ServiceTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Standard state reasons recorded by the registry.
const (
	ReasonHealthy          = "healthy"
	ReasonMissingInAction  = "missing in action"
	ReasonAutoDeregistered = "inactive due to service auto-deregistration"
)

// ServiceState is one entry in an instance's health history.
type ServiceState struct {
	Timestamp time.Time `json:"timestamp"`
	Healthy   bool      `json:"healthy"`
	Reason    string    `json:"reason"`
}

// HealthyState returns a healthy state stamped at now.
func HealthyState(now time.Time) ServiceState {
	return ServiceState{Timestamp: now, Healthy: true, Reason: ReasonHealthy}
}

// FailedState returns an unhealthy state with the given reason.
func FailedState(now time.Time, reason string) ServiceState {
	return ServiceState{Timestamp: now, Healthy: false, Reason: reason}
}

// Probe outcomes reported by an active health probe.
const (
	ProbeStarted = "started"
	ProbeDown    = "down"
)

// ProbeStatus is the last result of an active health probe.
type ProbeStatus struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

// ActivityRecord is the liveness history of one instance.
type ActivityRecord struct {
	ID       string         `json:"id"`
	LastSeen time.Time      `json:"lastSeen"`
	Active   bool           `json:"active"`
	States   []ServiceState `json:"states"`
	Probe    *ProbeStatus   `json:"probe,omitempty"`
}

// clone returns a deep copy safe to hand to readers.
func (a ActivityRecord) clone() ActivityRecord {
	out := a
	out.States = append([]ServiceState(nil), a.States...)
	if a.Probe != nil {
		p := *a.Probe
		out.Probe = &p
	}
	return out
}

// lastReason returns the reason of the most recent state, or "".
func (a ActivityRecord) lastReason() string {
	if len(a.States) == 0 {
		return ""
	}
	return a.States[len(a.States)-1].Reason
}

// EventType identifies a registry lifecycle transition.
type EventType string

const (
	EventRegister   EventType = "REGISTER"
	EventDeregister EventType = "DEREGISTER"
	EventUpdate     EventType = "UPDATE"
	EventPing       EventType = "PING"
)

// Event is published on every registry lifecycle transition.
type Event struct {
	Type      EventType      `json:"type"`
	ServiceID string         `json:"id"`
	Target    *ServiceTarget `json:"target,omitempty"`
	State     *ServiceState  `json:"state,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
