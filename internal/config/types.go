// Package config handles layered configuration for missionctl.
// Defaults are overridden by the global file, then the project file, then
// MISSIONCTL_* environment variables.
package config

import (
	"time"

	"github.com/aristath/missionctl/internal/mission"
)

// Partial output policies.
const (
	PartialSuccess = "success" // Partial output completes the task, flagged partial
	PartialFailure = "failure" // Partial output is handled as a failed attempt
)

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// EventsConfig sizes notifier subscriber buffers.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// BrokerConfig holds delivery lease timeouts.
type BrokerConfig struct {
	AckTimeout   time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`     // Dequeue -> ack
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"` // Ack -> report
}

// RetryConfig defines the exponential backoff between task attempts.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// SchedulerConfig tunes report processing.
type SchedulerConfig struct {
	Shards int `mapstructure:"shards" yaml:"shards"` // Report-handling goroutines; one mission always maps to one shard
}

// PlannerConfig locates extra playbooks.
type PlannerConfig struct {
	PlaybooksDir string `mapstructure:"playbooks_dir" yaml:"playbooks_dir"`
	Watch        bool   `mapstructure:"watch" yaml:"watch"` // Reload playbooks when the directory changes
}

// CategoryConfig is the per-category retry, concurrency and execution policy.
type CategoryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Fatal       bool          `mapstructure:"fatal" yaml:"fatal"`             // Exhausted failure fails the mission
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"` // Max in-flight deliveries
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`     // Local worker goroutines
	Estimate    time.Duration `mapstructure:"estimate" yaml:"estimate"`
	Partial     string        `mapstructure:"partial" yaml:"partial"`
	Command     string        `mapstructure:"command" yaml:"command,omitempty"` // External worker binary; empty uses the echo worker
	Args        []string      `mapstructure:"args" yaml:"args,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// WorkflowStepConfig defines one step in a workflow pipeline.
type WorkflowStepConfig struct {
	Category string `mapstructure:"category" yaml:"category"`
}

// WorkflowConfig defines a chain of categories; each step's success spawns the next step.
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `mapstructure:"steps" yaml:"steps"`
}

// Config is the top-level configuration.
type Config struct {
	Database   DatabaseConfig            `mapstructure:"database" yaml:"database"`
	Server     ServerConfig              `mapstructure:"server" yaml:"server"`
	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
	Events     EventsConfig              `mapstructure:"events" yaml:"events"`
	Broker     BrokerConfig              `mapstructure:"broker" yaml:"broker"`
	Retry      RetryConfig               `mapstructure:"retry" yaml:"retry"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler" yaml:"scheduler"`
	Planner    PlannerConfig             `mapstructure:"planner" yaml:"planner"`
	Categories map[string]CategoryConfig `mapstructure:"categories" yaml:"categories"`
	Workflows  map[string]WorkflowConfig `mapstructure:"workflows" yaml:"workflows,omitempty"`
}

// Category returns the policy for c, falling back to the retry and
// built-in defaults for unset fields.
func (c *Config) Category(cat mission.Category) CategoryConfig {
	cc := c.Categories[string(cat)]
	if cc.MaxAttempts <= 0 {
		cc.MaxAttempts = c.Retry.MaxAttempts
	}
	if cc.MaxAttempts <= 0 {
		cc.MaxAttempts = defaultMaxAttempts
	}
	if cc.Concurrency <= 0 {
		cc.Concurrency = defaultConcurrency
	}
	if cc.PoolSize <= 0 {
		cc.PoolSize = cc.Concurrency
	}
	if cc.Estimate <= 0 {
		cc.Estimate = defaultEstimate
	}
	if cc.Partial == "" {
		cc.Partial = PartialSuccess
	}
	return cc
}
