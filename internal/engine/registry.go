package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an adapter from shared dependencies.
type Constructor func(Deps) Adapter

// Registry maps engine IDs to adapters. Adapters are stateless, so each is
// built once at registration.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	adapters map[ID]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), adapters: make(map[ID]Adapter)}
}

// Register adds an engine. Unknown and duplicate IDs are rejected.
func (r *Registry) Register(id ID, ctor Constructor) error {
	if !id.Valid() {
		return fmt.Errorf("register %q: %w", id, ErrUnknownEngine)
	}
	if ctor == nil {
		return fmt.Errorf("register %q: nil constructor", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateEngine)
	}
	adapter := ctor(r.deps)
	if adapter.ID() != id {
		return fmt.Errorf("register %q: constructor built %q", id, adapter.ID())
	}
	r.adapters[id] = adapter
	return nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	id, err := ParseID(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not enabled", ErrUnknownEngine, name)
	}
	return adapter, nil
}

// IDs lists registered engines in name order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var builtins = map[ID]Constructor{
	ChatGPT:    NewChatGPT,
	Perplexity: NewPerplexity,
	Gemini:     NewGemini,
	Copilot:    NewCopilot,
	Claude:     NewClaude,
}

// DefaultRegistry registers the built-in adapters. With no names given every
// engine is enabled.
func DefaultRegistry(deps Deps, enabled ...string) (*Registry, error) {
	r := NewRegistry(deps)
	if len(enabled) == 0 {
		for _, id := range knownIDs {
			enabled = append(enabled, string(id))
		}
	}
	for _, name := range enabled {
		id, err := ParseID(name)
		if err != nil {
			return nil, err
		}
		if err := r.Register(id, builtins[id]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
