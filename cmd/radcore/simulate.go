package main

import (
	"context"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/nassim"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated RADIUS peer (auth, accounting and CoA listeners)",
	Long: `Starts a RADIUS server on the auth and accounting ports that answers
from the configured user table, and a CoA listener that acknowledges,
rejects or drops commands. Useful for exercising radcore without a real
AAA server or NAS.`,
	RunE: runSimulate,
}

var (
	simAcctMode string
	simCoAMode  string
)

func init() {
	simulateCmd.Flags().StringVar(&simAcctMode, "acct-mode", "",
		"Accounting behaviour (ack, drop)")
	simulateCmd.Flags().StringVar(&simCoAMode, "coa-mode", "",
		"CoA behaviour (ack, nak, drop)")
}

func parseMode(s string) (nassim.Mode, error) {
	switch m := nassim.Mode(s); m {
	case nassim.ModeAck, nassim.ModeNak, nassim.ModeDrop:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be ack, nak or drop)", s)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	simCfg := cfg.Simulator
	if cmd.Flags().Changed("acct-mode") {
		if simCfg.AcctMode, err = parseMode(simAcctMode); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("coa-mode") {
		if simCfg.CoAMode, err = parseMode(simCoAMode); err != nil {
			return err
		}
	}

	sim, err := nassim.New(simCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	if err := sim.Start(); err != nil {
		return fmt.Errorf("failed to start simulator: %w", err)
	}

	logger.Info("Simulator running",
		zap.String("auth", sim.Addr("auth")),
		zap.String("acct", sim.Addr("acct")),
		zap.String("coa", sim.Addr("coa")),
		zap.Int("users", len(simCfg.Users)),
	)

	ctx, cancel := signalContext(logger)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sim.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop simulator", zap.Error(err))
	}

	logger.Info("Simulator stopped", zap.Int("requests", len(sim.Requests())))
	return nil
}
