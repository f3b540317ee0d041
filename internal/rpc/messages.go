// ABOUTME: Request and reply messages exchanged between router and capability services
// ABOUTME: Discovery (register/ping/state) and capability (provision/invoke/acquire/status) payloads

package rpc

import "github.com/2389/caprouter/internal/registry"

// RegisterRequest announces or refreshes a capability instance.
type RegisterRequest struct {
	Target registry.ServiceTarget `json:"target"`
}

// RegisterReply carries the stored target, including an assigned id.
type RegisterReply struct {
	Target registry.ServiceTarget `json:"target"`
}

// DeregisterRequest removes an instance.
type DeregisterRequest struct {
	Target registry.ServiceTarget `json:"target"`
}

// PingRequest is a lightweight heartbeat.
type PingRequest struct {
	ID string `json:"id"`
}

// UpdateStateRequest reports an instance's own view of its health.
type UpdateStateRequest struct {
	ID    string                `json:"id"`
	State registry.ServiceState `json:"state"`
}

// Payload wraps opaque provisioning data.
type Payload struct {
	Data string `json:"data"`
}

// ProvisionRequest delivers configuration and secret material for one tool
// or resource to a capability service.
type ProvisionRequest struct {
	URI           string  `json:"uri"`
	Configuration Payload `json:"configuration"`
	Secret        Payload `json:"secret"`
}

// PropertySchema describes one argument a capability accepts.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ProvisionReply locates the stored material on the capability side.
type ProvisionReply struct {
	ConfigurationURI string                    `json:"configurationUri"`
	SecretURI        string                    `json:"secretUri"`
	Properties       map[string]PropertySchema `json:"properties,omitempty"`
}

// ToolInvokeRequest asks a tool-invoker to run one tool.
type ToolInvokeRequest struct {
	URI              string            `json:"uri"`
	Body             string            `json:"body,omitempty"`
	Arguments        map[string]string `json:"arguments,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	ConfigurationURI string            `json:"configurationUri,omitempty"`
	SecretsURI       string            `json:"secretsUri,omitempty"`
}

// ToolInvokeReply is the raw outcome of a tool invocation. Content is
// decoded from JSON and may be a string, a list, or a structured value.
type ToolInvokeReply struct {
	IsError bool `json:"isError"`
	Content any  `json:"content"`
}

// ResourceRequest asks a resource-provider to read one resource.
type ResourceRequest struct {
	Location         string            `json:"location"`
	Type             string            `json:"type"`
	Name             string            `json:"name"`
	Params           map[string]string `json:"params,omitempty"`
	ConfigurationURI string            `json:"configurationUri,omitempty"`
	SecretsURI       string            `json:"secretsUri,omitempty"`
}

// ResourceReply is the raw outcome of a resource read.
type ResourceReply struct {
	IsError  bool   `json:"isError"`
	Content  any    `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
}

// StatusRequest asks an instance for its runtime status.
type StatusRequest struct{}

// StatusReply reports the runtime status of an instance.
type StatusReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
