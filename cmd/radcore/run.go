package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/fup"
	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"github.com/codelaboratoryltd/radcore/pkg/notify"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the FUP enforcement loop and metrics endpoint",
	RunE:  runRadcore,
}

var (
	metricsAddr string
	runOnce     bool
)

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Prometheus metrics listen address (default :9090)")
	runCmd.Flags().BoolVar(&runOnce, "once", false,
		"Run one enforcement cycle and exit")
}

func runRadcore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Listen = metricsAddr
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting radcore",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("fup_enabled", cfg.FUP.Enabled),
	)

	ctx, cancel := signalContext(logger)
	defer cancel()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pool, err := openPool(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	var poolSource metrics.PoolSource
	if pool != nil {
		poolSource = pool
	}

	metricsCollector := metrics.New(poolSource, logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	auditLogger := audit.NewLogger(audit.DefaultConfig(), audit.NewMemoryStorage(), logger)
	auditLogger.AddExporter(audit.NewZapExporter(logger))
	if err := auditLogger.Start(); err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}
	defer func() {
		if err := auditLogger.Stop(); err != nil {
			logger.Warn("Failed to stop audit logger", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsCollector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", cfg.Metrics.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	stopMetrics := make(chan struct{})
	go metricsCollector.StartCollector(5*time.Second, stopMetrics)

	var enforcer *fup.Enforcer
	if cfg.FUP.Enabled {
		coa, err := radius.NewCoaClient(cfg.CoaConfig(), store, logger)
		if err != nil {
			return fmt.Errorf("failed to create CoA client: %w", err)
		}
		coa.SetMetrics(metricsCollector)
		coa.SetAuditLogger(auditLogger)

		enforcer, err = fup.NewEnforcer(cfg.FUPConfig(), fup.NewStaticSource(cfg.Subscribers), store, coa, logger)
		if err != nil {
			return fmt.Errorf("failed to create FUP enforcer: %w", err)
		}
		enforcer.SetMetrics(metricsCollector)
		enforcer.SetAuditLogger(auditLogger)

		if hookCfg, ok := cfg.WebhookConfig(); ok {
			hook, err := notify.NewWebhook(hookCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create webhook notifier: %w", err)
			}
			enforcer.SetNotifier(hook)
		}
	}

	switch {
	case enforcer != nil && runOnce:
		report, err := enforcer.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("evaluated=%d applied=%d removed=%d unchanged=%d failed=%d skipped=%d\n",
			report.Evaluated, report.Applied, report.Removed, report.Unchanged, report.Failed, report.Skipped)
	case enforcer != nil:
		if err := enforcer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("FUP enforcer stopped", zap.Error(err))
		}
	default:
		logger.Info("FUP enforcement disabled, serving metrics only")
		<-ctx.Done()
	}

	logger.Info("Shutting down...")
	close(stopMetrics)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}

	logger.Info("radcore stopped")
	return nil
}
