package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Overrides replace config values from the command line. Empty fields keep
// the file's value.
type Overrides struct {
	Assets []string
	Mode   string
	Start  string
	End    string
}

// Apply copies the set fields of o into c.
func (o Overrides) Apply(c *IngestConfig) {
	if len(o.Assets) > 0 {
		c.Ingest.Assets = o.Assets
	}
	if o.Mode != "" {
		c.Ingest.Mode = o.Mode
	}
	if o.Start != "" {
		c.Ingest.Start = o.Start
	}
	if o.End != "" {
		c.Ingest.End = o.End
	}
}

// Parse decodes YAML config data after expanding ${VAR} references from the
// environment. Unknown keys are rejected so a misspelled setting does not
// silently fall back to its default.
func Parse(data []byte) (*IngestConfig, error) {
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)

	var cfg IngestConfig
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*IngestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*IngestConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults and overrides, then
// validates the result. Overrides go in before validation so a flag value is
// checked like a file value.
func LoadAndValidate(path string, o Overrides) (*IngestConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
