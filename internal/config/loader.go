package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML file and overlays it onto base, returning the
// merged Config. Environment variables in the file are expanded before
// parsing (`${VAR}` / `$VAR`). Unknown keys are rejected.
func LoadFile(path string, base Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return base, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	cfg := base
	if err := decoder.Decode(&cfg); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return base, fmt.Errorf("config: %s: expected a single YAML document", path)
	}
	return cfg, nil
}
