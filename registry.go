package quotarouter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ProviderDescriptor describes one quota-limited upstream endpoint.
// Only Active changes after load.
type ProviderDescriptor struct {
	ID             string `json:"id"`
	PerMinuteLimit int64  `json:"per_minute_limit"`
	PerDayLimit    int64  `json:"per_day_limit"`
	Priority       int    `json:"priority"`
	Active         bool   `json:"active"`
}

// Limit returns the configured ceiling for a window kind.
func (d ProviderDescriptor) Limit(kind WindowKind) int64 {
	if kind == WindowDay {
		return d.PerDayLimit
	}
	return d.PerMinuteLimit
}

// Registry is the catalog of providers. Reads go through an atomically
// published snapshot and never block; activation toggles are serialized
// and publish a fresh copy.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	ordered []ProviderDescriptor
	index   map[string]int
}

// NewRegistry validates descriptors and builds a registry ordered by
// priority, then id.
func NewRegistry(descriptors []ProviderDescriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, configErrorf("providers", "at least one provider is required")
	}

	ordered := make([]ProviderDescriptor, len(descriptors))
	copy(ordered, descriptors)

	seen := make(map[string]bool, len(ordered))
	for i, d := range ordered {
		field := fmt.Sprintf("providers[%d]", i)
		if d.ID == "" {
			return nil, configErrorf(field, "id is required")
		}
		if seen[d.ID] {
			return nil, configErrorf(field, "duplicate provider id %q", d.ID)
		}
		seen[d.ID] = true
		if d.PerMinuteLimit <= 0 {
			return nil, configErrorf(field, "provider %q: per_minute_limit must be positive", d.ID)
		}
		if d.PerDayLimit <= 0 {
			return nil, configErrorf(field, "provider %q: per_day_limit must be positive", d.ID)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	r := &Registry{}
	r.snap.Store(newRegistrySnapshot(ordered))
	return r, nil
}

func newRegistrySnapshot(ordered []ProviderDescriptor) *registrySnapshot {
	index := make(map[string]int, len(ordered))
	for i, d := range ordered {
		index[d.ID] = i
	}
	return &registrySnapshot{ordered: ordered, index: index}
}

// List returns all providers in stable order (priority, then id).
func (r *Registry) List() []ProviderDescriptor {
	s := r.snap.Load()
	out := make([]ProviderDescriptor, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (ProviderDescriptor, error) {
	s := r.snap.Load()
	i, ok := s.index[id]
	if !ok {
		return ProviderDescriptor{}, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return s.ordered[i], nil
}

// SetActive toggles a provider's active flag.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	i, ok := cur.index[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	if cur.ordered[i].Active == active {
		return nil
	}

	ordered := make([]ProviderDescriptor, len(cur.ordered))
	copy(ordered, cur.ordered)
	ordered[i].Active = active
	// Order and ids are unchanged, so the index map is shared.
	r.snap.Store(&registrySnapshot{ordered: ordered, index: cur.index})
	return nil
}
