package config

import (
	"fmt"
	"strings"
)

// ProviderConfig selects the exchange adapter and the settings handed to its factory.
type ProviderConfig struct {
	Adapter  string         `yaml:"adapter"`
	Settings map[string]any `yaml:"settings"`
}

func (c *ProviderConfig) applyDefaults() {
	c.Adapter = normalizeIdentifier(c.Adapter)
	if c.Adapter == "" {
		c.Adapter = "paper"
	}
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
}

func (c ProviderConfig) validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter required")
	}
	for key := range c.Settings {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("settings keys must be non-empty")
		}
	}
	return nil
}

// SettingsCopy returns a shallow copy of the adapter settings.
func (c ProviderConfig) SettingsCopy() map[string]any {
	out := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		out[k] = v
	}
	return out
}
