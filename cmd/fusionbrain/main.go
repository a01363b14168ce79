// FusionBrain engine server.
//
// Runs the full cognitive pipeline behind an HTTP API: run submission,
// inspection, cancellation, lesson lookups, and a WebSocket event stream.
//
// Usage:
//
//	go run ./cmd/fusionbrain                          # defaults, :8420
//	go run ./cmd/fusionbrain -config engine.yaml
//	go run ./cmd/fusionbrain -addr :9000 -verbose
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/config"
	"github.com/mrX1007/FusionBrain/core/entropy"
	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/memory"
	"github.com/mrX1007/FusionBrain/core/observability"
	"github.com/mrX1007/FusionBrain/core/reflection"
	"github.com/mrX1007/FusionBrain/core/runtime"
	"github.com/mrX1007/FusionBrain/core/simulation"
	"github.com/mrX1007/FusionBrain/providers/ollama"
	"github.com/mrX1007/FusionBrain/providers/websearch"
	"github.com/mrX1007/FusionBrain/server"
)

// zapLogger implements experts.Logger on top of a zap sugared logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, fields ...any) { l.sugar.Debugw(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...any)  { l.sugar.Infow(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...any)  { l.sugar.Warnw(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...any) { l.sugar.Errorw(msg, fields...) }

func (l *zapLogger) Bind(fields ...any) experts.Logger {
	return &zapLogger{sugar: l.sugar.With(fields...)}
}

func newLogger(level string, verbose bool) (*zapLogger, func(), error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(parsed)
	}
	base, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	sync := func() { _ = base.Sync() }
	return &zapLogger{sugar: base.Sugar()}, sync, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "fusionbrain: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, verbose bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, syncLogs, err := newLogger(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	defer syncLogs()

	logger.Info("starting",
		"addr", cfg.Server.Addr,
		"model", cfg.LLM.Model,
		"memory_path", cfg.Memory.Path,
	)

	if cfg.Tracing.Enabled {
		shutdownTracer, err := observability.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
	}

	// Lesson store
	store, err := memory.NewSQLiteStore(cfg.Memory.Path, cfg.Memory.MinOverlap)
	if err != nil {
		return fmt.Errorf("open lesson store: %w", err)
	}
	defer store.Close()

	// Collaborators
	llm := ollama.NewClient(cfg.LLM.Host, cfg.LLM.Model, cfg.LLM.Timeout)
	var searcher experts.KnowledgeSearcher
	if cfg.Search.Endpoint != "" {
		searcher = websearch.NewClient(cfg.Search.Endpoint, cfg.Search.Timeout)
	}

	// Entropy source. A configured seed switches to deterministic draws
	// for replay.
	var source entropy.Source
	if cfg.Entropy.Seed != 0 {
		logger.Warn("deterministic_entropy", "seed", cfg.Entropy.Seed)
		source = entropy.NewSeededSource(cfg.Entropy.BitLength, cfg.Entropy.Bias, cfg.Entropy.Seed)
	} else {
		source = entropy.NewCryptoSource(cfg.Entropy.BitLength, cfg.Entropy.Bias)
	}
	selector := entropy.NewSelector(cfg.Entropy.ChaosThreshold)

	sim := simulation.New(cfg.Simulation)

	stages := runtime.Stages{
		Mode:       experts.NewModeStage(source, selector, logger),
		Research:   experts.NewResearchStage(searcher, cfg.Search.MaxResults, logger),
		Reasoning:  experts.NewReasoningStage(llm, cfg.LLM.LogicTemperature, cfg.LLM.ChaosTemperature, logger),
		WorldModel: experts.NewWorldModelStage(sim, logger),
		Code:       experts.NewCodeStage(experts.SimulatedExecutor{}, llm, logger),
		Critic:     experts.NewCriticStage(llm, logger),
	}

	reflector := reflection.New(store, llm, logger)

	// Bus + event fan-out
	bus := commbus.NewInMemoryCommBus(5 * time.Second)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(cfg.LogLevel))
	events := runtime.NewBusEventSink(bus)

	orch, err := runtime.NewOrchestrator(cfg, stages, store, reflector, events, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	engine := runtime.NewEngine(orch, cfg.Runtime.MaxConcurrentRuns, logger)

	if err := server.RegisterBusHandlers(bus, engine, store); err != nil {
		return fmt.Errorf("register bus handlers: %w", err)
	}

	hub := server.NewHub(bus, logger)
	defer hub.Close()

	handler := server.NewHandler(engine, store, bus, hub, logger)
	srv := server.New(cfg.Server, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting_down", "signal", sig.String())
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown_incomplete", "error", err.Error())
	}

	logger.Info("stopped")
	return nil
}
