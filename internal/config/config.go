// Package config provides hierarchical configuration loading for Foreman.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Foreman orchestrator.
type Config struct {
	Logging      Logging      `yaml:"logging"`
	Bus          Bus          `yaml:"bus"`
	NATS         NATS         `yaml:"nats"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Agents       []AgentSpec  `yaml:"agents"`
	Breaker      Breaker      `yaml:"breaker"`
	Cache        Cache        `yaml:"cache"`
	Telemetry    Telemetry    `yaml:"telemetry"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Bus selects and tunes the message transport.
type Bus struct {
	// Backend is "memory" or "nats".
	Backend     string `yaml:"backend"`
	QueueSize   int    `yaml:"queue_size"`
	HistorySize int    `yaml:"history_size"`
}

// NATS holds NATS JetStream configuration, used when bus.backend is "nats".
type NATS struct {
	URL string `yaml:"url"`
}

// Orchestrator holds workflow engine configuration.
type Orchestrator struct {
	// MaxParallel bounds concurrent sub-steps of a parallel step.
	MaxParallel int `yaml:"max_parallel"`
	// WorkflowDir is scanned for YAML workflow definitions at startup.
	WorkflowDir string `yaml:"workflow_dir"`
}

// AgentSpec declares one agent in the startup roster.
type AgentSpec struct {
	ID             string `yaml:"id"`
	Type           string `yaml:"type"`
	Name           string `yaml:"name"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Breaker holds the circuit breaker guarding reasoner calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache tunes the terminal-execution cache.
type Cache struct {
	MaxSizeMB   int64         `yaml:"max_size_mb"`
	NumCounters int64         `yaml:"num_counters"`
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry export configuration. An empty endpoint
// disables export.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Logging: Logging{
			Level:   "info",
			Service: "foreman",
		},
		Bus: Bus{
			Backend:     "memory",
			QueueSize:   1024,
			HistorySize: 1000,
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Orchestrator: Orchestrator{
			MaxParallel: 4,
			WorkflowDir: "workflows",
		},
		Agents: []AgentSpec{
			{Type: "business_analyst"},
			{Type: "architect"},
			{Type: "developer"},
			{Type: "code_review"},
			{Type: "qa"},
			{Type: "security"},
			{Type: "devops"},
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB:   64,
			NumCounters: 100_000,
			TTL:         time.Hour,
		},
	}
}
