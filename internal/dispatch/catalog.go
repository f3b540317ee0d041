// ABOUTME: Catalog of exposed tools and resources and the service that backs each one
// ABOUTME: Catalog interface plus an in-memory implementation

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolReference describes a tool exposed to clients. Type names the
// capability service that executes it.
type ToolReference struct {
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	URI               string          `json:"uri"`
	Type              string          `json:"type"`
	InputSchema       json.RawMessage `json:"inputSchema,omitempty"`
	Namespace         string          `json:"namespace,omitempty"`
	NamespacePath     string          `json:"namespacePath,omitempty"`
	ConfigurationData string          `json:"configurationData,omitempty"`
	SecretsData       string          `json:"secretsData,omitempty"`
}

// Redacted returns a copy without secret material.
func (t ToolReference) Redacted() ToolReference {
	if t.SecretsData != "" {
		t.SecretsData = "********"
	}
	return t
}

// ResourceReference describes a resource exposed to clients. Type names the
// capability service that reads it.
type ResourceReference struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Location          string `json:"location"`
	Type              string `json:"type"`
	MimeType          string `json:"mimeType,omitempty"`
	Namespace         string `json:"namespace,omitempty"`
	NamespacePath     string `json:"namespacePath,omitempty"`
	ConfigurationData string `json:"configurationData,omitempty"`
	SecretsData       string `json:"secretsData,omitempty"`
}

// Redacted returns a copy without secret material.
func (r ResourceReference) Redacted() ResourceReference {
	if r.SecretsData != "" {
		r.SecretsData = "********"
	}
	return r
}

// Catalog stores tool and resource references. Get methods return
// ErrToolNotFound or ErrResourceNotFound for unknown names.
type Catalog interface {
	SaveTool(ctx context.Context, tool ToolReference) error
	GetTool(ctx context.Context, name string) (ToolReference, error)
	ListTools(ctx context.Context) ([]ToolReference, error)
	DeleteTool(ctx context.Context, name string) error

	SaveResource(ctx context.Context, res ResourceReference) error
	GetResource(ctx context.Context, name string) (ResourceReference, error)
	ListResources(ctx context.Context) ([]ResourceReference, error)
	DeleteResource(ctx context.Context, name string) error
}

func validateTool(t ToolReference) error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: tool name is required", ErrInvalidReference)
	case t.Type == "":
		return fmt.Errorf("%w: tool %q: service type is required", ErrInvalidReference, t.Name)
	case len(t.InputSchema) > 0 && !json.Valid(t.InputSchema):
		return fmt.Errorf("%w: tool %q: input schema is not valid JSON", ErrInvalidReference, t.Name)
	}
	return nil
}

func validateResource(r ResourceReference) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: resource name is required", ErrInvalidReference)
	case r.Type == "":
		return fmt.Errorf("%w: resource %q: service type is required", ErrInvalidReference, r.Name)
	case r.Location == "":
		return fmt.Errorf("%w: resource %q: location is required", ErrInvalidReference, r.Name)
	}
	return nil
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu        sync.RWMutex
	tools     map[string]ToolReference
	resources map[string]ResourceReference
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tools:     make(map[string]ToolReference),
		resources: make(map[string]ResourceReference),
	}
}

func (m *MemoryCatalog) SaveTool(_ context.Context, tool ToolReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool.Name] = tool
	return nil
}

func (m *MemoryCatalog) GetTool(_ context.Context, name string) (ToolReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	if !ok {
		return ToolReference{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

func (m *MemoryCatalog) ListTools(_ context.Context) ([]ToolReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolReference, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryCatalog) DeleteTool(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[name]; !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(m.tools, name)
	return nil
}

func (m *MemoryCatalog) SaveResource(_ context.Context, res ResourceReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[res.Name] = res
	return nil
}

func (m *MemoryCatalog) GetResource(_ context.Context, name string) (ResourceReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[name]
	if !ok {
		return ResourceReference{}, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	return r, nil
}

func (m *MemoryCatalog) ListResources(_ context.Context) ([]ResourceReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceReference, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryCatalog) DeleteResource(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[name]; !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	delete(m.resources, name)
	return nil
}
