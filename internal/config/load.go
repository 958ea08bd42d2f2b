package config

import (
	"fmt"
	"os"
	"strings"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/util"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// readFileFunc is swapped out in tests.
var readFileFunc = os.ReadFile

// LoadConfig reads and parses the YAML configuration file, fills unset
// fields with defaults and expands environment variables. The result is not
// validated: callers apply their overrides first and then call
// ValidateConfig once on the final configuration.
func LoadConfig(filename string) (*Config, error) {
	fileBytes, err := readFileFunc(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}

	// Unmarshal YAML into the Config struct.
	var cfg Config
	if err := yaml.Unmarshal(fileBytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", filename, err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	expandEnv(&cfg)

	logging.Logf(logging.Debug, "Loaded configuration from '%s'", filename)
	return &cfg, nil
}

// applyDefaults fills every zero-valued field of cfg from Default() and
// lower-cases the category option keys.
func applyDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, Default()); err != nil {
		return fmt.Errorf("failed to apply configuration defaults: %w", err)
	}
	// Category names are case-insensitive on the command line, so the
	// option keys are too.
	normalized := make(map[string]CategoryOptions, len(cfg.CategoryOptions))
	for name, opts := range cfg.CategoryOptions {
		if opts.Dedup != nil && opts.Dedup.Strategy == "" {
			opts.Dedup.Strategy = "first"
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = opts
	}
	if len(normalized) > 0 {
		cfg.CategoryOptions = normalized
	}
	return nil
}

// expandEnv expands $VAR, ${VAR} and %VAR% references in the string
// settings that commonly hold secrets or paths.
func expandEnv(cfg *Config) {
	cfg.BaseURL = strings.TrimSpace(util.ExpandEnvUniversal(cfg.BaseURL))
	cfg.Token = util.ExpandEnvUniversal(cfg.Token)
	cfg.APISecret = util.ExpandEnvUniversal(cfg.APISecret)
	cfg.OutputDir = util.ExpandEnvUniversal(cfg.OutputDir)
}
