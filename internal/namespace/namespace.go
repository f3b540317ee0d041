// ABOUTME: Fixed pool of namespace slots bound lazily to logical names
// ABOUTME: Preloads ns-<i> slots and allocates the first free one, idempotently per name

package namespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrPoolExhausted indicates every slot is bound to some other name.
var ErrPoolExhausted = errors.New("namespace pool exhausted")

// ErrSlotTaken is returned by a Binder when the slot was bound by someone
// else between listing and binding.
var ErrSlotTaken = errors.New("namespace slot already bound")

// DefaultMaxNamespaces is the pool size when none is configured.
const DefaultMaxNamespaces = 10

const pathPrefix = "ns-"

// Namespace is one slot of the pool. Name is empty until allocated.
type Namespace struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Bound reports whether the slot has been allocated.
func (n Namespace) Bound() bool {
	return n.Name != ""
}

// PathFor returns the slot path for index i.
func PathFor(i int) string {
	return pathPrefix + strconv.Itoa(i)
}

// Index parses the slot index out of a path. It returns -1 for foreign paths.
func Index(path string) int {
	if !strings.HasPrefix(path, pathPrefix) {
		return -1
	}
	i, err := strconv.Atoi(strings.TrimPrefix(path, pathPrefix))
	if err != nil || i < 0 {
		return -1
	}
	return i
}

// SortByIndex orders namespaces by slot index.
func SortByIndex(list []Namespace) {
	sort.SliceStable(list, func(i, j int) bool { return Index(list[i].Path) < Index(list[j].Path) })
}

// Repository persists the namespace pool.
type Repository interface {
	// List returns every slot ordered by index.
	List(ctx context.Context) ([]Namespace, error)
	// Save inserts or updates a slot keyed by Path.
	Save(ctx context.Context, ns Namespace) error
}

// Binder is implemented by repositories that may be shared by several
// routers. Bind stores ns only while its slot is still free. If ns.Name is
// already bound to another slot, that binding is returned unchanged.
// A lost race yields ErrSlotTaken.
type Binder interface {
	Bind(ctx context.Context, ns Namespace) (Namespace, error)
}

// Allocator hands out namespace slots. All mutations go through it.
type Allocator struct {
	mu     sync.Mutex
	repo   Repository
	max    int
	logger *slog.Logger
}

// NewAllocator creates an allocator over repo with a pool of max slots.
func NewAllocator(repo Repository, max int, logger *slog.Logger) *Allocator {
	if max <= 0 {
		max = DefaultMaxNamespaces
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		repo:   repo,
		max:    max,
		logger: logger.With("component", "namespaces"),
	}
}

// Preload creates exactly the missing slots up to the pool size. Existing
// slots, bound or not, are left untouched.
func (a *Allocator) Preload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing namespaces: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, ns := range existing {
		have[ns.Path] = true
	}

	created := 0
	for i := 0; i < a.max; i++ {
		path := PathFor(i)
		if have[path] {
			continue
		}
		if err := a.repo.Save(ctx, Namespace{Path: path}); err != nil {
			return fmt.Errorf("creating namespace %s: %w", path, err)
		}
		created++
	}

	if created > 0 {
		a.logger.Info("namespaces preloaded", "created", created, "pool_size", a.max)
	}
	return nil
}

// Allocate binds name to a slot and returns it. A name already bound keeps
// its slot; otherwise the lowest-index free slot is taken. When the
// repository is a Binder, a slot lost to another router is skipped and the
// pool re-read.
func (a *Allocator) Allocate(ctx context.Context, name string) (Namespace, error) {
	if name == "" {
		return Namespace{}, errors.New("namespace name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; ; attempt++ {
		ns, err := a.allocateLocked(ctx, name)
		if !errors.Is(err, ErrSlotTaken) || attempt >= a.max {
			return ns, err
		}
		a.logger.Debug("namespace slot taken concurrently, retrying", "name", name, "attempt", attempt+1)
	}
}

func (a *Allocator) allocateLocked(ctx context.Context, name string) (Namespace, error) {
	slots, err := a.repo.List(ctx)
	if err != nil {
		return Namespace{}, fmt.Errorf("listing namespaces: %w", err)
	}
	SortByIndex(slots)

	for _, ns := range slots {
		if ns.Name == name {
			return ns, nil
		}
	}
	for _, ns := range slots {
		if ns.Bound() {
			continue
		}
		ns.Name = name
		bound, err := a.bind(ctx, ns)
		if err != nil {
			return Namespace{}, fmt.Errorf("binding namespace %s: %w", ns.Path, err)
		}
		if bound.Path == ns.Path {
			a.logger.Info("namespace allocated", "path", ns.Path, "name", name)
		}
		return bound, nil
	}

	a.logger.Warn("namespace pool exhausted", "name", name, "pool_size", len(slots))
	return Namespace{}, fmt.Errorf("%w: no free slot for %q", ErrPoolExhausted, name)
}

func (a *Allocator) bind(ctx context.Context, ns Namespace) (Namespace, error) {
	if b, ok := a.repo.(Binder); ok {
		return b.Bind(ctx, ns)
	}
	if err := a.repo.Save(ctx, ns); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}

// List returns every slot ordered by index.
func (a *Allocator) List(ctx context.Context) ([]Namespace, error) {
	slots, err := a.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	SortByIndex(slots)
	return slots, nil
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	slots map[string]Namespace
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{slots: make(map[string]Namespace)}
}

func (m *MemoryRepository) List(_ context.Context) ([]Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Namespace, 0, len(m.slots))
	for _, ns := range m.slots {
		out = append(out, ns)
	}
	SortByIndex(out)
	return out, nil
}

func (m *MemoryRepository) Save(_ context.Context, ns Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[ns.Path] = ns
	return nil
}

// Bind stores ns if its slot is free and ns.Name is not bound elsewhere.
func (m *MemoryRepository) Bind(_ context.Context, ns Namespace) (Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.slots {
		if existing.Name == ns.Name {
			return existing, nil
		}
	}
	if current, ok := m.slots[ns.Path]; !ok || current.Bound() {
		return Namespace{}, fmt.Errorf("%w: %s", ErrSlotTaken, ns.Path)
	}
	m.slots[ns.Path] = ns
	return ns, nil
}
