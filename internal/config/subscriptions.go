package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type subscriptionsFile struct {
	SchemaVersion string         `yaml:"schema_version"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadSubscriptions parses a subscriptions YAML and validates schema_version.
func LoadSubscriptions(path string) ([]Subscription, error) {
	var f subscriptionsFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSchema
	}
	if f.SchemaVersion != SupportedSchema {
		return nil, fmt.Errorf("subscriptions schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSchema)
	}
	return f.Subscriptions, nil
}
