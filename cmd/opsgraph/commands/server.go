package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/opsgraph/opsgraph/internal/config"
	"github.com/opsgraph/opsgraph/internal/lifecycle"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/metrics"
	"github.com/opsgraph/opsgraph/internal/scheduler"
	"github.com/opsgraph/opsgraph/internal/tracing"
)

var serverShutdownTimeout time.Duration

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync scheduler and metrics endpoint",
	Long: `Run opsgraph as a long-lived process: periodic light and full syncs
for every active tenant, a Prometheus metrics endpoint, hot reload of
the accounts file, and optional trace export.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().DurationVar(&serverShutdownTimeout, "shutdown-timeout", 15*time.Second,
		"How long to wait for components to drain on shutdown")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := logging.GetLogger("server")

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg, "opsgraph")

	a, err := buildApp(m)
	if err != nil {
		return err
	}
	defer a.Close()

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(serverShutdownTimeout)

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:   a.cfg.Tracing.Enabled,
		Endpoint:  a.cfg.Tracing.Endpoint,
		TLSCAPath: a.cfg.Tracing.CAFile,
	})
	if err != nil {
		return err
	}
	if err := manager.Register(tracer); err != nil {
		return err
	}

	// The watcher replaces the registry contents atomically on each
	// change; invalid files keep the running state.
	watcher, err := config.NewAccountsWatcher(config.WatcherConfig{Path: a.cfg.AccountsFile},
		func(f *config.AccountsFile) error { return f.Apply(a.registry) })
	if err != nil {
		return err
	}
	if err := manager.Register(watcher); err != nil {
		return err
	}

	metricsServer := metrics.NewServer(a.cfg.MetricsPort, promReg)
	if err := manager.Register(metricsServer); err != nil {
		return err
	}

	sched := scheduler.New(a.engine, a.registry, scheduler.Config{
		LightInterval:  time.Duration(a.cfg.Sync.IntervalMinutes) * time.Minute,
		FullInterval:   time.Duration(a.cfg.Sync.FullSyncIntervalHours) * time.Hour,
		DriftDetection: a.cfg.Sync.EnableDriftDetection,
	})
	if err := manager.Register(sched, tracer, watcher, metricsServer); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("opsgraph %s started: %d tenants, storage %s, metrics :%d",
		Version, len(a.registry.ListTenants()), a.cfg.Storage.Type, a.cfg.MetricsPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}
