package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/missionctl/internal/mission"
)

// EnvPrefix prefixes environment overrides, e.g. MISSIONCTL_SERVER_ADDR.
const EnvPrefix = "MISSIONCTL"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Workflows == nil {
		cfg.Workflows = map[string]WorkflowConfig{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.missionctl/config.yaml
// Project: .missionctl/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".missionctl", "config.yaml"), filepath.Join(".missionctl", "config.yaml"), nil
}

// mergeConfigFile merges one YAML file into v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown categories and non-positive limits.
func (c *Config) Validate() error {
	var errs []error

	for name, cc := range c.Categories {
		if !mission.KnownCategory(mission.Category(name)) {
			errs = append(errs, fmt.Errorf("categories: unknown category %q", name))
			continue
		}
		if cc.MaxAttempts < 0 || cc.Concurrency < 0 || cc.PoolSize < 0 {
			errs = append(errs, fmt.Errorf("categories.%s: limits must not be negative", name))
		}
		if cc.Partial != "" && cc.Partial != PartialSuccess && cc.Partial != PartialFailure {
			errs = append(errs, fmt.Errorf("categories.%s.partial: must be %q or %q", name, PartialSuccess, PartialFailure))
		}
		if cc.Args != nil && cc.Command == "" {
			errs = append(errs, fmt.Errorf("categories.%s.args: set without command", name))
		}
	}

	for name, wf := range c.Workflows {
		if len(wf.Steps) < 2 {
			errs = append(errs, fmt.Errorf("workflows.%s: needs at least two steps", name))
		}
		for i, step := range wf.Steps {
			if !mission.KnownCategory(mission.Category(step.Category)) {
				errs = append(errs, fmt.Errorf("workflows.%s.steps[%d]: unknown category %q", name, i, step.Category))
			}
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts: must be positive"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry: intervals must be positive with max_interval >= initial_interval"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier: must be at least 1"))
	}
	if c.Broker.AckTimeout <= 0 || c.Broker.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("broker: timeouts must be positive"))
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, errors.New("events.buffer_size: must be positive"))
	}
	if c.Scheduler.Shards <= 0 {
		errs = append(errs, errors.New("scheduler.shards: must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
