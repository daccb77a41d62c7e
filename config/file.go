package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LoadFile overlays the YAML settings stored at path on top of DefaultConfig.
// Keys absent from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
