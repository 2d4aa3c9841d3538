package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/engine"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/logging"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/utils"
)

const serviceName = "patrol-engine"

var version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Patrol and checkpoint compliance engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default searches ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP, gRPC health, scheduler and Kafka consumers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, func(ctx context.Context, a *app) error {
					return serve(ctx, a)
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run the overdue sweep, scan reconciler and escalation SLA check once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, sweepOnce)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrateOnly(configPath)
			},
		},
	)
	return root
}

// app holds what every command needs
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    database.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

func withApp(configPath string, run func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.Logging, serviceName).With(
		zap.String("version", version),
		zap.String("environment", cfg.Environment))
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.Error(err))
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		metrics:  metrics.NewCollector(reg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, a)
}

func openStore(cfg config.Config, logger *zap.Logger) (database.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store; state is lost on restart")
		return database.NewMemoryStore(), nil
	}

	store, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations {
		if err := store.RunMigrations(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func sweepOnce(ctx context.Context, a *app) error {
	// Notifications raised here are persisted and delivered by a running server.
	eng := engine.New(&a.cfg, a.store, nil, nil, utils.SystemClock{}, a.metrics, a.logger)

	sweep, err := eng.SweepOverdue(ctx)
	if err != nil {
		return fmt.Errorf("overdue sweep failed: %w", err)
	}
	reconciled, err := eng.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("scan reconciliation failed: %w", err)
	}
	escalated, err := eng.EscalateOverdueIncidents(ctx)
	if err != nil {
		return fmt.Errorf("escalation check failed: %w", err)
	}

	a.logger.Info("Sweep complete",
		zap.Int("checkpoints_marked_overdue", sweep.CheckpointsMarkedOverdue),
		zap.Int("patrols_marked_missed", sweep.PatrolsMarkedMissed),
		zap.Int("deferred", sweep.Deferred),
		zap.Any("reconciled", reconciled),
		zap.Int("incidents_escalated", escalated))
	return nil
}

func migrateOnly(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
	}

	logger := logging.New(cfg.Logging, serviceName)
	defer logger.Sync()

	store, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RunMigrations()
}
