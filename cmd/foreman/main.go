package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/foremanhq/foreman/internal/adapter/loopback"
	"github.com/foremanhq/foreman/internal/adapter/memorystore"
	fnats "github.com/foremanhq/foreman/internal/adapter/nats"
	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/adapter/ristretto"
	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/agent/role"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/internal/logger"
	"github.com/foremanhq/foreman/internal/port/eventsink"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/registry"
	"github.com/foremanhq/foreman/internal/service"

	_ "github.com/foremanhq/foreman/internal/adapter/logsink"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"bus", cfg.Bus.Backend,
		"log_level", cfg.Logging.Level,
		"agents", len(cfg.Agents),
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Message bus ---
	var msgBus bus.Bus
	switch cfg.Bus.Backend {
	case "nats":
		nb, err := fnats.Connect(ctx, cfg.NATS.URL, fnats.Options{
			HistorySize: cfg.Bus.HistorySize,
			Metrics:     metrics,
		})
		if err != nil {
			return fmt.Errorf("nats bus: %w", err)
		}
		msgBus = nb
	default:
		msgBus = bus.NewInMemory(bus.Options{
			QueueSize:   cfg.Bus.QueueSize,
			HistorySize: cfg.Bus.HistorySize,
			Metrics:     metrics,
		})
	}
	defer msgBus.Close()

	// --- Agents ---
	reg := registry.New(msgBus)
	reasoner := loopback.New()
	roleOpts := role.Options{
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerTimeout:     cfg.Breaker.Timeout,
	}
	for _, spec := range cfg.Agents {
		proc, err := role.NewProcessor(spec.Type, reasoner, roleOpts)
		if err != nil {
			return fmt.Errorf("agent roster: %w", err)
		}
		a := agent.New(agent.Config{
			ID:             spec.ID,
			Type:           spec.Type,
			Name:           spec.Name,
			MaxRetries:     spec.MaxRetries,
			TimeoutSeconds: spec.TimeoutSeconds,
		}, proc, msgBus, metrics)
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("agent roster: %w", err)
		}
	}

	// --- Queue and engine ---
	taskQueue := queue.New()
	eng := engine.New(reg, taskQueue, engine.Options{
		MaxParallel: int64(cfg.Orchestrator.MaxParallel),
		Metrics:     metrics,
	})
	if err := registerWorkflows(eng, cfg.Orchestrator.WorkflowDir); err != nil {
		return err
	}

	logSink, err := eventsink.New("log", nil)
	if err != nil {
		return fmt.Errorf("event sink: %w", err)
	}
	eng.RegisterSink(logSink)

	// --- Execution cache ---
	execCache, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.NumCounters, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("execution cache: %w", err)
	}
	defer execCache.Close()

	sys := service.New(service.Options{
		Bus:      msgBus,
		Registry: reg,
		Queue:    taskQueue,
		Engine:   eng,
		Cache:    execCache,
		Shared:   memorystore.New(),
		Metrics:  metrics,
	})

	st := sys.Status()
	slog.Info("foreman ready",
		"agents", st.Registry.TotalAgents,
		"workflows", st.Engine.Workflows,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	return nil
}
