package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	defaultMaxAttempts = 3
	defaultConcurrency = 4
	defaultEstimate    = 5 * time.Minute
)

// DefaultConfig returns the default configuration with built-in category policies.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "missionctl.db"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ShutdownTimeout: 10 * time.Second,
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Events: EventsConfig{BufferSize: 256},
		Broker: BrokerConfig{
			AckTimeout:   30 * time.Second,
			LeaseTimeout: 15 * time.Minute,
		},
		Retry: RetryConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2,
			MaxAttempts:     defaultMaxAttempts,
		},
		Scheduler: SchedulerConfig{Shards: 8},
		Categories: map[string]CategoryConfig{
			"research":     {MaxAttempts: 3, Concurrency: 4, PoolSize: 4, Estimate: 10 * time.Minute, Partial: PartialSuccess},
			"strategy":     {MaxAttempts: 3, Concurrency: 2, PoolSize: 2, Estimate: 5 * time.Minute, Partial: PartialSuccess},
			"copywriting":  {MaxAttempts: 3, Concurrency: 4, PoolSize: 4, Estimate: 5 * time.Minute, Partial: PartialSuccess},
			"design":       {MaxAttempts: 3, Concurrency: 2, PoolSize: 2, Estimate: 8 * time.Minute, Partial: PartialSuccess},
			"review":       {MaxAttempts: 3, Concurrency: 2, PoolSize: 2, Estimate: 2 * time.Minute, Partial: PartialFailure},
			"publish":      {MaxAttempts: 3, Concurrency: 1, PoolSize: 1, Estimate: time.Minute, Partial: PartialFailure},
			"network_init": {MaxAttempts: 1, Fatal: true, Concurrency: 1, PoolSize: 1, Estimate: 30 * time.Second, Partial: PartialFailure},
		},
		Workflows: map[string]WorkflowConfig{},
	}
}

// setDefaults registers every DefaultConfig value with v so that file and
// environment layers override individual keys rather than whole sections.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("broker.ack_timeout", d.Broker.AckTimeout)
	v.SetDefault("broker.lease_timeout", d.Broker.LeaseTimeout)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("scheduler.shards", d.Scheduler.Shards)
	v.SetDefault("planner.playbooks_dir", d.Planner.PlaybooksDir)
	v.SetDefault("planner.watch", d.Planner.Watch)

	for name, cc := range d.Categories {
		prefix := "categories." + name + "."
		v.SetDefault(prefix+"max_attempts", cc.MaxAttempts)
		v.SetDefault(prefix+"fatal", cc.Fatal)
		v.SetDefault(prefix+"concurrency", cc.Concurrency)
		v.SetDefault(prefix+"pool_size", cc.PoolSize)
		v.SetDefault(prefix+"estimate", cc.Estimate)
		v.SetDefault(prefix+"partial", cc.Partial)
	}
}
