// Package config loads the service configuration from AGENTFLOW_* environment
// variables. Every tunable has a default that matches the owning package, so
// an empty environment yields a working single-process deployment: SQLite
// store, mock model, four workers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/scheduler"
	"github.com/deepak-karkala/agentflow/store"
	"github.com/deepak-karkala/agentflow/worker"
	"github.com/deepak-karkala/agentflow/workflow"
)

// Store driver names accepted by Config.DBDriver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// Config is the full set of service tunables.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DBDriver selects the store backend: sqlite, mysql, or memory.
	// DBDSN is the driver-specific connection string; for sqlite it is
	// the database file path.
	DBDriver string
	DBDSN    string

	// Workers is the number of concurrent claim loops.
	Workers    int
	Lease      time.Duration
	DrainGrace time.Duration

	// HeartbeatEvery and SweepEvery pace the background scheduler.
	HeartbeatEvery time.Duration
	SweepEvery     time.Duration

	// Checkpoint pruning, off by default. PruneKeep is the number of
	// newest checkpoints retained per terminal thread.
	PruneEnabled bool
	PruneEvery   time.Duration
	PruneKeep    int

	// GraphType selects the workflow topology, thin or full. MaxSteps
	// overrides the engine step budget when positive. AutoApproveGates
	// lists gate nodes approved without pausing.
	GraphType        string
	MaxSteps         int
	AutoApproveGates []string

	// LLM provider selection. An empty or "mock" provider needs no key.
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string

	// Event bus sizing.
	RingCapacity     int
	SubscriberBuffer int
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "")
	v.SetDefault("workers", worker.DefaultWorkers)
	v.SetDefault("lease", store.DefaultLease)
	v.SetDefault("drain_grace", worker.DefaultDrainGrace)
	v.SetDefault("heartbeat_every", scheduler.DefaultHeartbeatEvery)
	v.SetDefault("sweep_every", scheduler.DefaultReclaimEvery)
	v.SetDefault("prune.enabled", false)
	v.SetDefault("prune.every", scheduler.DefaultPruneEvery)
	v.SetDefault("prune.keep", scheduler.DefaultPruneKeep)
	v.SetDefault("graph", workflow.GraphFull)
	v.SetDefault("max_steps", 0)
	v.SetDefault("auto_approve_gates", "")
	v.SetDefault("llm.provider", llm.ProviderMock)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("ring_capacity", bus.DefaultRingCapacity)
	v.SetDefault("subscriber_buffer", bus.DefaultSubscriberBuffer)

	cfg := &Config{
		ListenAddr:       v.GetString("listen_addr"),
		LogLevel:         v.GetString("log_level"),
		DBDriver:         v.GetString("db.driver"),
		DBDSN:            v.GetString("db.dsn"),
		Workers:          v.GetInt("workers"),
		Lease:            v.GetDuration("lease"),
		DrainGrace:       v.GetDuration("drain_grace"),
		HeartbeatEvery:   v.GetDuration("heartbeat_every"),
		SweepEvery:       v.GetDuration("sweep_every"),
		PruneEnabled:     v.GetBool("prune.enabled"),
		PruneEvery:       v.GetDuration("prune.every"),
		PruneKeep:        v.GetInt("prune.keep"),
		GraphType:        v.GetString("graph"),
		MaxSteps:         v.GetInt("max_steps"),
		AutoApproveGates: splitList(v.GetString("auto_approve_gates")),
		LLMProvider:      v.GetString("llm.provider"),
		LLMAPIKey:        v.GetString("llm.api_key"),
		LLMModel:         v.GetString("llm.model"),
		RingCapacity:     v.GetInt("ring_capacity"),
		SubscriberBuffer: v.GetInt("subscriber_buffer"),
	}
	if cfg.DBDSN == "" && cfg.DBDriver == DriverSQLite {
		cfg.DBDSN = "agentflow.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; embedding
// applications that build a Config by hand should too.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverMySQL, DriverMemory:
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	if c.DBDriver == DriverMySQL && c.DBDSN == "" {
		return fmt.Errorf("mysql driver requires a dsn")
	}

	switch c.GraphType {
	case workflow.GraphThin, workflow.GraphFull:
	default:
		return fmt.Errorf("unknown graph type %q", c.GraphType)
	}

	switch strings.ToLower(c.LLMProvider) {
	case "", llm.ProviderMock, llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGoogle:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("lease must be positive, got %s", c.Lease)
	}
	if c.HeartbeatEvery <= 0 || c.SweepEvery <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.PruneEnabled && c.PruneKeep < 1 {
		return fmt.Errorf("prune keep must be positive, got %d", c.PruneKeep)
	}
	return nil
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
