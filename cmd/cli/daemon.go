package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/metrics"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scanner"
	"github.com/portwatch/portwatch/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// daemonCmd runs the schedule evaluator in the foreground.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the portwatch daemon",
	Long: `Run portwatch in the foreground: the schedule evaluator triggers
due scans, completed results are persisted, and metrics are exposed over
HTTP when enabled. SIGINT or SIGTERM shuts the daemon down gracefully.`,
	Example: `  portwatch daemon
  portwatch daemon --config /etc/portwatch/portwatch.yaml`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) {
	if err := daemonMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func daemonMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Default()
	ctx := context.Background()

	database, err := db.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database).Run(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	engine := scanner.NewEngine(scanner.Config{
		Binary:             cfg.Scanner.Binary,
		MaxConcurrentScans: cfg.Scanner.MaxConcurrentScans,
		StatsInterval:      cfg.Scanner.StatsInterval,
		StopGracePeriod:    cfg.Scanner.StopGracePeriod,
	}, logger)

	manager := profiles.NewManager(engine, cfg.Scanner.Binary, logger)
	if toolVersion, err := manager.CheckNmapInstallation(); err != nil {
		logger.Warn("scan tool check failed", "error", err)
	} else {
		logger.Info("scan tool available", "version", toolVersion)
	}
	if !manager.CheckPrivileges() {
		logger.Warn("running without elevated privileges, privileged profiles will fail")
	}

	scanStore := db.NewScanStore(database, logger)
	scheduleStore := db.NewScheduleStore(database, logger)

	evaluator := scheduler.New(scheduler.Config{
		CheckInterval: cfg.Scheduler.CheckInterval,
		ErrorCooldown: cfg.Scheduler.ErrorCooldown,
	}, scheduleStore, scanStore, manager, logger)
	evaluator.Start()

	systemCtx, cancelSystem := context.WithCancel(ctx)
	defer cancelSystem()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.MetricsAddress(), logger)
		go metrics.Default().StartPeriodicUpdates(systemCtx, cfg.Metrics.UpdateInterval)
	}

	logger.Info("portwatch daemon started",
		"check_interval", cfg.Scheduler.CheckInterval.String(),
		"max_concurrent_scans", cfg.Scanner.MaxConcurrentScans)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", "signal", sig.String())

	evaluator.Stop()
	if err := engine.Close(); err != nil {
		logger.Error("failed to close scan engine", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", "error", err)
		}
	}

	logger.Info("portwatch daemon stopped")
	return nil
}

// startMetricsServer serves the metrics endpoint in the background.
func startMetricsServer(address string, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default().Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
