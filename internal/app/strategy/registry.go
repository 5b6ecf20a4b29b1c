package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/strategos/errs"
)

const component = "strategy"

// Factory constructs a strategy instance from its validated configuration.
type Factory func(cfg json.RawMessage) (Strategy, error)

// Validator reports configuration problems for a strategy type.
type Validator func(cfg json.RawMessage) []ConfigIssue

// Definition binds a type tag to its metadata, validator and constructor.
type Definition struct {
	Metadata       Metadata
	ValidateConfig Validator
	New            Factory
}

// Registry maps strategy type tags to definitions.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a definition. Names are case-insensitive and unique.
func (r *Registry) Register(def Definition) error {
	if issues := ValidateMetadata(def.Metadata); len(issues) > 0 {
		return errs.Validation(component, "strategy metadata invalid", errs.WithDetail("issue", issues[0].String()))
	}
	if def.New == nil {
		return errs.Validation(component, "strategy factory required", errs.WithDetail("type", def.Metadata.Name))
	}
	key := normalise(def.Metadata.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[key]; exists {
		return errs.New(component, errs.CodeAlreadyExists,
			errs.WithMessage("strategy type already registered"),
			errs.WithDetail("type", key))
	}
	def.Metadata = CloneMetadata(def.Metadata)
	def.Metadata.Name = key
	r.definitions[key] = def
	return nil
}

// MustRegister registers def and panics on failure.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("strategy registry: %v", err))
	}
}

// Definition returns the definition registered for name.
func (r *Registry) Definition(name string) (Definition, error) {
	key := normalise(name)
	r.mu.RLock()
	def, ok := r.definitions[key]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, errs.NotFound(component, "strategy type", key)
	}
	return def, nil
}

// Types lists registered metadata sorted by name.
func (r *Registry) Types() []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, CloneMetadata(def.Metadata))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate runs the type's config validator. Any issue yields a validation error
// carrying the first issue and the issue count.
func (r *Registry) Validate(name string, cfg json.RawMessage) ([]ConfigIssue, error) {
	def, err := r.Definition(name)
	if err != nil {
		return nil, err
	}
	if def.ValidateConfig == nil {
		return nil, nil
	}
	issues := def.ValidateConfig(cfg)
	if len(issues) == 0 {
		return nil, nil
	}
	return issues, errs.Validation(component, "strategy configuration invalid",
		errs.WithDetail("type", def.Metadata.Name),
		errs.WithDetail("issue", issues[0].String()),
		errs.WithDetail("issues", fmt.Sprintf("%d", len(issues))))
}

// New constructs an instance of the named type.
func (r *Registry) New(name string, cfg json.RawMessage) (Strategy, error) {
	def, err := r.Definition(name)
	if err != nil {
		return nil, err
	}
	inst, err := def.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", def.Metadata.Name, err)
	}
	return inst, nil
}
