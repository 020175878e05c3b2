package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a tool-registry descriptor file (spec.md §6): a map keyed
// by tool name, YAML or JSON by extension, and builds a Registry from it.
// Environment-variable overrides are deliberately not supported here —
// secret/env loading is an external collaborator's job (spec.md §1).
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor file: %w", err)
	}

	raw := map[string]*Descriptor{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse descriptor JSON: %w", err)
		}
	default: // .yaml, .yml, or unspecified — the teacher's config_loader.go default
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse descriptor YAML: %w", err)
		}
	}

	descriptors := make([]*Descriptor, 0, len(raw))
	for name, d := range raw {
		if d.Name == "" {
			d.Name = name
		}
		descriptors = append(descriptors, d)
	}
	return New(descriptors)
}
