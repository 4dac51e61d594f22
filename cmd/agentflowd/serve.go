package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/deepak-karkala/agentflow/api"
	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/config"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/metrics"
	"github.com/deepak-karkala/agentflow/scheduler"
	"github.com/deepak-karkala/agentflow/store"
	"github.com/deepak-karkala/agentflow/worker"
	"github.com/deepak-karkala/agentflow/workflow"
)

const shutdownTimeout = 25 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, worker pool, and scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping store: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	b := bus.New(
		bus.WithRingCapacity(cfg.RingCapacity),
		bus.WithSubscriberBuffer(cfg.SubscriberBuffer),
		bus.WithMetrics(m),
	)

	model, err := llm.New(ctx, cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}

	runner, err := workflow.NewRunner(workflow.RunnerConfig{
		Store:            st,
		Bus:              b,
		Logger:           logger.Named("workflow"),
		Metrics:          m,
		Model:            llm.NewBreaker(cfg.LLMProvider, model),
		GraphType:        cfg.GraphType,
		AutoApproveGates: cfg.AutoApproveGates,
		MaxSteps:         cfg.MaxSteps,
	})
	if err != nil {
		return err
	}

	pool, err := worker.New(worker.Config{
		Jobs:       st,
		Runner:     runner,
		Logger:     logger.Named("worker"),
		Metrics:    m,
		Workers:    cfg.Workers,
		Lease:      cfg.Lease,
		DrainGrace: cfg.DrainGrace,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:          st,
		Bus:            b,
		Logger:         logger.Named("scheduler"),
		Metrics:        m,
		HeartbeatEvery: cfg.HeartbeatEvery,
		ReclaimEvery:   cfg.SweepEvery,
		PruneEnabled:   cfg.PruneEnabled,
		PruneEvery:     cfg.PruneEvery,
		PruneKeep:      cfg.PruneKeep,
	})
	if err != nil {
		return err
	}

	srv, err := api.New(api.Config{
		Store:    st,
		Bus:      b,
		Runner:   runner,
		Logger:   logger.Named("api"),
		Metrics:  m,
		Registry: registry,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("agentflow starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("graph", cfg.GraphType),
		zap.Int("workers", cfg.Workers),
		zap.String("llm_provider", cfg.LLMProvider))

	// One failing component takes the process down; a signal cancels ctx
	// and every component drains.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agentflow exited with error", zap.Error(err))
		return err
	}
	logger.Info("agentflow stopped")
	return nil
}

// buildStore opens the configured persistence backend.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.DBDSN)
	case config.DriverMySQL:
		return store.NewMySQLStore(cfg.DBDSN)
	case config.DriverMemory:
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

// buildLogger constructs the service logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
