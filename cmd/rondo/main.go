// Command rondo launches the parts catalog runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/config"
	"github.com/solmir/rondo/internal/broker/membus"
	"github.com/solmir/rondo/internal/broker/pgbus"
	"github.com/solmir/rondo/internal/broker/wsbus"
	"github.com/solmir/rondo/internal/observability"
	"github.com/solmir/rondo/internal/outbox"
	"github.com/solmir/rondo/internal/parts"
	"github.com/solmir/rondo/internal/parts/pgparts"
	"github.com/solmir/rondo/internal/policy/policyjs"
	"github.com/solmir/rondo/internal/storage"
	"github.com/solmir/rondo/lib/async"
	"github.com/solmir/rondo/lib/telemetry"
)

const (
	defaultConfigPath        = "config/rondo.yaml"
	runtimeLoggerPrefix      = "rondo "
	shutdownTimeout          = 30 * time.Second
	consumerShutdownTimeout  = 10 * time.Second
	brokerShutdownTimeout    = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	seedShutdownTimeout      = 30 * time.Second
	seedWorkers              = 4
)

// catalogDriver is the fully bound plug-in bundle the engine runs on.
type catalogDriver = bus.Driver[parts.Command, parts.Event, parts.Projection, uuid.UUID, parts.Query, parts.View]

// scriptedPolicy is the JavaScript policy bound to the catalog payloads.
type scriptedPolicy = policyjs.Policy[parts.Command, parts.Event, parts.Projection]

type runOptions struct {
	configPath string
	verbose    bool
	seed       int
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRuntimeLogger()
	observability.SetLogger(observability.NewStdLogger(logger, opts.verbose))

	cfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Print("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s broker=%s policy=%s",
		cfg.Environment, cfg.Broker.Kind, cfg.Policy.Engine)

	providers, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewCollector(providers.MeterProvider))

	opsBus := observability.NewInMemoryOpsBus(64)
	observability.SetEvents(opsBus)

	var lifecycle conc.WaitGroup
	watchOpsEvents(ctx, &lifecycle, logger, opsBus)

	pool, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}

	brk, err := buildBroker(ctx, cfg, pool)
	if err != nil {
		logger.Fatalf("initialise broker: %v", err)
	}

	scripted, err := buildScriptedPolicy(ctx, cfg.Policy, logger)
	if err != nil {
		logger.Fatalf("initialise policy engine: %v", err)
	}

	driver, err := buildDriver(cfg, pool, brk, scripted)
	if err != nil {
		logger.Fatalf("initialise driver: %v", err)
	}

	engine, err := parts.NewBus(driver)
	if err != nil {
		logger.Fatalf("initialise bus: %v", err)
	}

	consumers := cfg.Consumers.Count()
	startConsumers(ctx, &lifecycle, logger, engine, consumers)
	logger.Printf("consumer loops started: %d", consumers)

	if opts.seed > 0 {
		seedCatalog(ctx, &lifecycle, logger, engine, opts.seed)
	}

	logger.Print("rondo started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		broker:     brk,
		policy:     scripted,
		opsBus:     opsBus,
		pool:       pool,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() runOptions {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	seed := flag.Int("seed", 0, "Create this many sample parts on startup")
	flag.Parse()
	return runOptions{configPath: *cfgPath, verbose: *verbose, seed: *seed}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRuntimeLogger() *log.Logger {
	return log.New(os.Stdout, runtimeLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// openDatabase connects to Postgres when any configured component needs
// it, applying embedded migrations first when enabled. Memory-only
// deployments return a nil pool.
func openDatabase(ctx context.Context, cfg config.Config, logger *log.Logger) (*pgxpool.Pool, error) {
	if cfg.Broker.Kind != config.BrokerPostgres && !cfg.Outbox.Enabled {
		return nil, nil
	}
	if cfg.Database.RunMigrations {
		if err := storage.ApplyEmbedded(ctx, cfg.Database.DSN, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := storage.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Printf("database connected: maxConns=%d", cfg.Database.MaxConns)
	return pool, nil
}

func buildBroker(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (parts.Broker, error) {
	var base parts.Broker
	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		base = membus.New[parts.Command, parts.Event, parts.Projection](membus.Config{
			BufferSize:         cfg.Broker.Memory.BufferSize,
			MaxAttempts:        cfg.Broker.Memory.MaxAttempts,
			RedeliveryDelay:    cfg.Broker.Memory.RedeliveryDelay,
			DeadLetterCapacity: cfg.Broker.Memory.DeadLetterCapacity,
		})
	case config.BrokerPostgres:
		b, err := pgbus.New[parts.Command, parts.Event, parts.Projection](pool, parts.Codec{}, pgbus.Config{
			PollRate:     cfg.Broker.Postgres.PollRate,
			Prefetch:     cfg.Broker.Postgres.Prefetch,
			RequeueDelay: cfg.Broker.Postgres.RequeueDelay,
			MaxAttempts:  cfg.Broker.Postgres.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		base = b
	case config.BrokerWebsocket:
		c, err := wsbus.Dial[parts.Command, parts.Event, parts.Projection](ctx, wsbus.Config{
			URL:          cfg.Broker.Websocket.URL,
			DialTimeout:  cfg.Broker.Websocket.DialTimeout,
			WriteTimeout: cfg.Broker.Websocket.WriteTimeout,
		}, parts.Codec{})
		if err != nil {
			return nil, err
		}
		base = c
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}

	if !cfg.Outbox.Enabled {
		return base, nil
	}
	return outbox.NewDurable(base, outbox.NewPgStore(pool), parts.Codec{},
		outbox.WithReplayInterval(cfg.Outbox.PollInterval),
		outbox.WithReplayBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	), nil
}

// buildScriptedPolicy loads the configured JavaScript policy module. The
// native engine returns nil so drivers fall back to their built-in rules.
func buildScriptedPolicy(ctx context.Context, cfg config.PolicyConfig, logger *log.Logger) (*scriptedPolicy, error) {
	if cfg.Engine != config.PolicyJS {
		return nil, nil
	}

	loader, err := policyjs.NewLoader(cfg.Directory)
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, err
	}
	observability.Emit(ctx, observability.NewOpsEvent(
		observability.OpsPoliciesRefreshed, observability.SeverityInfo, "cmd/rondo",
		map[string]any{"modules": len(loader.List()), "directory": loader.Root()},
	))

	module, err := loader.Get(cfg.Module)
	if err != nil {
		return nil, fmt.Errorf("policy module %q: %w", cfg.Module, err)
	}
	instance, err := policyjs.NewInstance(module)
	if err != nil {
		return nil, err
	}
	policy, err := policyjs.NewPolicy(instance, policyjs.Bridge[parts.Command, parts.Event, parts.Projection]{
		EncodeEvent:      parts.EncodeEvent,
		DecodeCommand:    parts.DecodeCommand,
		DecodeProjection: parts.DecodeProjection,
	})
	if err != nil {
		instance.Close()
		return nil, err
	}
	logger.Printf("policy module loaded: name=%s hash=%s", module.Name, module.Hash)
	return policy, nil
}

func buildDriver(cfg config.Config, pool *pgxpool.Pool, brk parts.Broker, scripted *scriptedPolicy) (catalogDriver, error) {
	if cfg.Broker.Kind == config.BrokerPostgres {
		var opts []pgparts.DriverOption
		if scripted != nil {
			opts = append(opts, pgparts.WithPolicy(scripted))
		}
		return pgparts.NewDriver(pool, brk, opts...)
	}
	var opts []parts.DriverOption
	if scripted != nil {
		opts = append(opts, parts.WithPolicy(scripted))
	}
	return parts.NewDriver(brk, opts...), nil
}

func startConsumers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, engine *parts.Bus, count int) {
	for i := 0; i < count; i++ {
		id := i
		lifecycle.Go(func() {
			if err := engine.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("consumer %d stopped: %v", id, err)
			}
		})
	}
}

// seedCatalog dispatches sample create commands through a bounded worker
// pool to warm an empty catalog.
func seedCatalog(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, engine *parts.Bus, count int) {
	lifecycle.Go(func() {
		workers, err := async.NewPool(seedWorkers, count)
		if err != nil {
			logger.Printf("seed pool: %v", err)
			return
		}

		for i := 0; i < count; i++ {
			cmd := parts.CreatePart{
				SKU:       fmt.Sprintf("SEED-%04d", i),
				Name:      fmt.Sprintf("Sample Part %d", i),
				UnitPrice: decimal.New(int64(100+i*25), -2),
			}
			if err := workers.Submit(ctx, func(taskCtx context.Context) error {
				if _, err := engine.Dispatch(taskCtx, cmd); err != nil {
					observability.Log().Warn("seed dispatch failed",
						observability.Field{Key: "sku", Value: cmd.SKU},
						observability.Field{Key: "error", Value: err.Error()},
					)
				}
				return nil
			}); err != nil {
				logger.Printf("seed submit %s: %v", cmd.SKU, err)
			}
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), seedShutdownTimeout)
		defer cancel()
		if err := workers.Shutdown(drainCtx); err != nil {
			logger.Printf("seed pool shutdown: %v", err)
			return
		}
		logger.Printf("seeded %d parts", count)
	})
}

// watchOpsEvents mirrors runtime ops events into the structured log. The
// subscription ends with the main context.
func watchOpsEvents(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, opsBus *observability.InMemoryOpsBus) {
	events, err := opsBus.Subscribe(ctx)
	if err != nil {
		logger.Printf("ops subscribe: %v", err)
		return
	}
	lifecycle.Go(func() {
		for event := range events {
			fields := []observability.Field{
				{Key: "type", Value: string(event.Type)},
				{Key: "component", Value: event.Component},
			}
			for key, value := range event.Metadata {
				fields = append(fields, observability.Field{Key: key, Value: value})
			}
			switch event.Severity {
			case observability.SeverityError:
				observability.Log().Error("ops event", fields...)
			case observability.SeverityWarn:
				observability.Log().Warn("ops event", fields...)
			default:
				observability.Log().Info("ops event", fields...)
			}
		}
	})
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	broker     parts.Broker
	policy     *scriptedPolicy
	opsBus     *observability.InMemoryOpsBus
	pool       *pgxpool.Pool
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", consumerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if closer, ok := cfg.broker.(interface{ Close() }); ok {
		shutdownStep("closing broker", brokerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				closer.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.policy != nil {
		logger.Print("shutdown: releasing policy engine")
		cfg.policy.Close()
	}

	if cfg.opsBus != nil {
		cfg.opsBus.Close()
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
