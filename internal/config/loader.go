package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "foreman.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Logging.Level, "FOREMAN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FOREMAN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "FOREMAN_LOG_ASYNC")
	setString(&cfg.Bus.Backend, "FOREMAN_BUS_BACKEND")
	setInt(&cfg.Bus.QueueSize, "FOREMAN_BUS_QUEUE_SIZE")
	setInt(&cfg.Bus.HistorySize, "FOREMAN_BUS_HISTORY_SIZE")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.Orchestrator.MaxParallel, "FOREMAN_ORCH_MAX_PARALLEL")
	setString(&cfg.Orchestrator.WorkflowDir, "FOREMAN_WORKFLOW_DIR")
	setInt(&cfg.Breaker.MaxFailures, "FOREMAN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FOREMAN_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "FOREMAN_CACHE_SIZE_MB")
	setInt64(&cfg.Cache.NumCounters, "FOREMAN_CACHE_COUNTERS")
	setDuration(&cfg.Cache.TTL, "FOREMAN_CACHE_TTL")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	switch cfg.Bus.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("bus.backend %q must be memory or nats", cfg.Bus.Backend)
	}
	if cfg.Bus.Backend == "nats" && cfg.NATS.URL == "" {
		return errors.New("nats.url is required for the nats bus")
	}
	if cfg.Bus.QueueSize < 1 {
		return errors.New("bus.queue_size must be >= 1")
	}
	if cfg.Orchestrator.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	for i, a := range cfg.Agents {
		if a.Type == "" {
			return fmt.Errorf("agents[%d]: type is required", i)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
