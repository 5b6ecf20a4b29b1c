package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs a provider instance from adapter settings.
type Factory func(ctx context.Context, settings map[string]any) (Instance, error)

// AdapterMetadata describes static metadata about a provider adapter.
type AdapterMetadata struct {
	Identifier     string           `json:"identifier"`
	DisplayName    string           `json:"displayName,omitempty"`
	Description    string           `json:"description,omitempty"`
	SettingsSchema []AdapterSetting `json:"settingsSchema"`
}

// AdapterSetting details a user-configurable adapter parameter.
type AdapterSetting struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

type registration struct {
	meta    AdapterMetadata
	factory Factory
}

// Registry maintains provider factories keyed by adapter identifier.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
}

// NewRegistry creates a new provider factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]registration)}
}

// Register registers a provider factory for the adapter identifier.
func (r *Registry) Register(meta AdapterMetadata, factory Factory) {
	if factory == nil {
		panic("provider factory required")
	}
	key := strings.ToLower(strings.TrimSpace(meta.Identifier))
	if key == "" {
		panic("provider identifier required")
	}
	meta.Identifier = key
	r.mu.Lock()
	r.factories[key] = registration{meta: meta, factory: factory}
	r.mu.Unlock()
}

// Create instantiates the adapter with settings.
func (r *Registry) Create(ctx context.Context, adapter string, settings map[string]any) (Instance, error) {
	key := strings.ToLower(strings.TrimSpace(adapter))
	r.mu.RLock()
	reg, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider adapter %q not registered", adapter)
	}
	instance, err := reg.factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("instantiate provider %s: %w", key, err)
	}
	return instance, nil
}

// Adapters lists registered adapter metadata sorted by identifier.
func (r *Registry) Adapters() []AdapterMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterMetadata, 0, len(r.factories))
	for _, reg := range r.factories {
		meta := reg.meta
		meta.SettingsSchema = append([]AdapterSetting(nil), reg.meta.SettingsSchema...)
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
