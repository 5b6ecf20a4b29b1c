package js

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/app/strategy"
)

// Type is the registry tag of script strategies.
const Type = "script"

// Config selects a loaded module and the parameters handed to its create export.
type Config struct {
	Module string         `json:"module"`
	Params map[string]any `json:"params,omitempty"`
}

// DefinitionOptions tune script instances.
type DefinitionOptions struct {
	// CallTimeout bounds every call into a script. Zero disables the bound.
	CallTimeout time.Duration
	Logger      *zap.Logger
}

func decodeConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config malformed: %w", err)
	}
	cfg.Module = strings.ToLower(strings.TrimSpace(cfg.Module))
	return cfg, nil
}

// Definition returns the registry definition for script strategies backed by loader.
func Definition(loader *Loader, opts DefinitionOptions) strategy.Definition {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return strategy.Definition{
		Metadata: strategy.Metadata{
			Name:        Type,
			Version:     "1.0.0",
			DisplayName: "JavaScript Strategy",
			Description: "Runs a JavaScript strategy module from the configured script directory.",
			Config: []strategy.ConfigField{
				{Name: "module", Type: "string", Description: "Module metadata name", Required: true},
				{Name: "params", Type: "object", Description: "Parameters passed to create(env).config"},
			},
		},
		ValidateConfig: func(raw json.RawMessage) []strategy.ConfigIssue {
			cfg, err := decodeConfig(raw)
			if err != nil {
				return []strategy.ConfigIssue{{Message: err.Error()}}
			}
			if cfg.Module == "" {
				return []strategy.ConfigIssue{{Field: "module", Message: "module is required"}}
			}
			module, err := loader.Get(cfg.Module)
			if err != nil {
				return []strategy.ConfigIssue{{Field: "module", Message: fmt.Sprintf("module %q is not loaded", cfg.Module)}}
			}
			return validateParams(module, cfg.Params, opts.CallTimeout, logger)
		},
		New: func(raw json.RawMessage) (strategy.Strategy, error) {
			cfg, err := decodeConfig(raw)
			if err != nil {
				return nil, err
			}
			module, err := loader.Get(cfg.Module)
			if err != nil {
				return nil, fmt.Errorf("module %q: %w", cfg.Module, err)
			}
			return NewStrategy(module, cfg.Params, opts.CallTimeout, logger)
		},
	}
}

// validateParams calls the module's optional validateConfig export on a scratch VM.
func validateParams(module *Module, params map[string]any, timeout time.Duration, logger *zap.Logger) []strategy.ConfigIssue {
	instance, err := NewInstance(module, timeout, logger)
	if err != nil {
		return []strategy.ConfigIssue{{Field: "module", Message: err.Error()}}
	}
	defer instance.Close()
	if params == nil {
		params = map[string]any{}
	}
	v, err := instance.Call("validateConfig", params)
	if err != nil {
		if errors.Is(err, ErrFunctionMissing) {
			return nil
		}
		return []strategy.ConfigIssue{{Field: "params", Message: err.Error()}}
	}
	items, _ := instance.Export(v).([]any)
	var issues []strategy.ConfigIssue
	for _, item := range items {
		switch typed := item.(type) {
		case string:
			issues = append(issues, strategy.ConfigIssue{Field: "params", Message: typed})
		case map[string]any:
			field, _ := typed["field"].(string)
			message, _ := typed["message"].(string)
			if field = strings.TrimSpace(field); field != "" {
				field = "params." + field
			} else {
				field = "params"
			}
			issues = append(issues, strategy.ConfigIssue{Field: field, Message: message})
		}
	}
	return issues
}
