// Package config loads the promagg configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/promagg/internal/aggregator"
	"github.com/ethpandaops/promagg/internal/exporter"
)

// Config is the top-level configuration for the promagg commands.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Exporter configures the link to the aggregator used by emit.
	Exporter exporter.Config `yaml:"exporter"`

	// DefaultLabels are attached to every record sent by emit.
	DefaultLabels map[string]string `yaml:"default_labels"`

	// Aggregator configures the reference aggregator.
	Aggregator aggregator.Config `yaml:"aggregator"`
}

// DefaultConfig returns a Config with sensible defaults. The exporter
// points at a local aggregator on its default port.
func DefaultConfig() *Config {
	exp := exporter.DefaultConfig()
	exp.Port = 9394

	return &Config{
		LogLevel:   "info",
		Exporter:   exp,
		Aggregator: aggregator.DefaultConfig(),
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Exporter.ApplyDefaults()
	cfg.Aggregator.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if err := c.Exporter.Validate(); err != nil {
		return fmt.Errorf("exporter: %w", err)
	}

	if err := c.Aggregator.Validate(); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	return nil
}
