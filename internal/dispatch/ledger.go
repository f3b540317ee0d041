// ABOUTME: Record of which (tool or resource, instance) pairs have been provisioned
// ABOUTME: ProvisionLedger interface plus an in-memory implementation

package dispatch

import (
	"context"
	"sync"

	"github.com/2389/caprouter/internal/rpc"
)

// Kinds of provisioned entries.
const (
	KindTool     = "tool"
	KindResource = "resource"
)

// ProvisionKey identifies one provisioning: a tool or resource on one instance.
type ProvisionKey struct {
	Kind     string
	Name     string
	TargetID string
}

func (k ProvisionKey) String() string {
	return k.Kind + "/" + k.Name + "@" + k.TargetID
}

// ProvisioningReference locates provisioned material on the capability side.
type ProvisioningReference struct {
	ConfigurationURI string                        `json:"configurationUri"`
	SecretsURI       string                        `json:"secretsUri"`
	Properties       map[string]rpc.PropertySchema `json:"properties,omitempty"`
}

// ProvisionLedger persists provisioning references so each pair is
// provisioned once.
type ProvisionLedger interface {
	Lookup(ctx context.Context, key ProvisionKey) (ProvisioningReference, bool, error)
	Record(ctx context.Context, key ProvisionKey, ref ProvisioningReference) error
	// Forget drops every record for a tool or resource name.
	Forget(ctx context.Context, kind, name string) error
}

// MemoryLedger is an in-process ProvisionLedger.
type MemoryLedger struct {
	mu   sync.RWMutex
	refs map[ProvisionKey]ProvisioningReference
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{refs: make(map[ProvisionKey]ProvisioningReference)}
}

func (m *MemoryLedger) Lookup(_ context.Context, key ProvisionKey) (ProvisioningReference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[key]
	return ref, ok, nil
}

func (m *MemoryLedger) Record(_ context.Context, key ProvisionKey, ref ProvisioningReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key] = ref
	return nil
}

func (m *MemoryLedger) Forget(_ context.Context, kind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.refs {
		if key.Kind == kind && key.Name == name {
			delete(m.refs, key)
		}
	}
	return nil
}
