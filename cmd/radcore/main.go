package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codelaboratoryltd/radcore/pkg/allocator"
	"github.com/codelaboratoryltd/radcore/pkg/config"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radcore",
	Short: "RADIUS client engine with fair-usage enforcement",
	Long: `radcore - RADIUS authentication, accounting and CoA client
with a fair-usage policy loop that throttles subscribers over quota.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("radcore version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile string
	logLevel   string

	// RADIUS overrides
	radiusServer     string
	radiusSecretFile string
	radiusNASID      string
	storeBackend     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&radiusServer, "radius-server", "",
		"RADIUS server host")
	rootCmd.PersistentFlags().StringVar(&radiusSecretFile, "radius-secret-file", "",
		"Path to file containing the RADIUS shared secret")
	rootCmd.PersistentFlags().StringVar(&radiusNASID, "radius-nas-id", "",
		"RADIUS NAS-Identifier")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "",
		"State store backend (memory, redis)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(acctCmd)
	rootCmd.AddCommand(coaCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file and environment, then applies the flags
// that were set explicitly. CLI flags take precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("radius-server") {
		cfg.RADIUS.Server = radiusServer
	}
	if flags.Changed("radius-secret-file") {
		cfg.RADIUS.Secret = ""
		cfg.RADIUS.SecretFile = radiusSecretFile
	}
	if flags.Changed("radius-nas-id") {
		cfg.RADIUS.NASIdentifier = radiusNASID
	}
	if flags.Changed("store") {
		cfg.Store.Backend = storeBackend
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zapLevel
	logCfg.Encoding = "json"

	return logCfg.Build()
}

// openStore returns the configured state store and a close function.
func openStore(cfg *config.Config, logger *zap.Logger) (state.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		store, err := state.NewRedisStore(cfg.Store.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close redis store", zap.Error(err))
			}
		}, nil
	default:
		return state.NewMemoryStore(logger), func() {}, nil
	}
}

// openPool returns the configured framed-IP pool, or nil. Addresses held
// by active sessions in store are reserved before the pool is used.
func openPool(ctx context.Context, cfg *config.Config, store state.SessionStore, logger *zap.Logger) (*allocator.Pool, error) {
	poolCfg, ok := cfg.PoolConfig()
	if !ok {
		return nil, nil
	}
	pool, err := allocator.NewPool(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if _, err := radius.RestorePool(ctx, pool, store, logger); err != nil {
		return nil, fmt.Errorf("failed to restore pool: %w", err)
	}
	return pool, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
