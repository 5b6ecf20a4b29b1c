package strategy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ConfigField describes a configurable parameter for a strategy.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

// Metadata captures descriptive information about a strategy type.
type Metadata struct {
	Name        string        `json:"name"`
	Version     string        `json:"version,omitempty"`
	DisplayName string        `json:"displayName"`
	Description string        `json:"description,omitempty"`
	Config      []ConfigField `json:"config"`
}

// CloneMetadata returns a copy of the metadata with cloned slices.
func CloneMetadata(meta Metadata) Metadata {
	clone := meta
	if len(meta.Config) > 0 {
		clone.Config = make([]ConfigField, len(meta.Config))
		copy(clone.Config, meta.Config)
	}
	return clone
}

// ValidateMetadata ensures the supplied metadata includes required fields.
func ValidateMetadata(meta Metadata) []ConfigIssue {
	var issues []ConfigIssue

	if name := strings.TrimSpace(meta.Name); name == "" {
		issues = append(issues, ConfigIssue{Field: "metadata.name", Message: "name required"})
	}

	displayName := strings.TrimSpace(meta.DisplayName)
	switch length := utf8.RuneCountInString(displayName); {
	case length == 0:
		issues = append(issues, ConfigIssue{Field: "metadata.displayName", Message: "displayName required"})
	case length > 80:
		issues = append(issues, ConfigIssue{Field: "metadata.displayName", Message: "displayName must be 80 characters or fewer"})
	}

	for idx, cfg := range meta.Config {
		if strings.TrimSpace(cfg.Name) == "" {
			issues = append(issues, ConfigIssue{Field: fmt.Sprintf("metadata.config[%d].name", idx), Message: "name required"})
		}
		if strings.TrimSpace(cfg.Type) == "" {
			issues = append(issues, ConfigIssue{Field: fmt.Sprintf("metadata.config[%d].type", idx), Message: "type required"})
		}
	}
	return issues
}
