package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/codelaboratoryltd/radcore/pkg/config"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var authCmd = &cobra.Command{
	Use:   "auth <username> <password>",
	Short: "Send one Access-Request and print the result",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuth,
}

var coaCmd = &cobra.Command{
	Use:   "coa",
	Short: "Send a CoA command to a NAS",
}

var coaSpeedCmd = &cobra.Command{
	Use:   "speed <username> <download/upload>",
	Short: "Change a subscriber's rate limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := radius.ParseRateLimit(args[1])
		if err != nil {
			return err
		}
		return runCoA(cmd, func(ctx context.Context, c *radius.CoaClient) (*radius.CoaResult, error) {
			return c.SpeedChange(ctx, args[0], rate)
		})
	},
}

var coaQuotaCmd = &cobra.Command{
	Use:   "quota <username> <bytes>",
	Short: "Set a subscriber's remaining data quota",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		octets, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid quota %q: %w", args[1], err)
		}
		return runCoA(cmd, func(ctx context.Context, c *radius.CoaClient) (*radius.CoaResult, error) {
			return c.QuotaUpdate(ctx, args[0], octets)
		})
	},
}

var coaDisconnectCmd = &cobra.Command{
	Use:   "disconnect <username>",
	Short: "Disconnect a subscriber's active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoA(cmd, func(ctx context.Context, c *radius.CoaClient) (*radius.CoaResult, error) {
			return c.Disconnect(ctx, args[0])
		})
	},
}

var (
	authNASPort  uint32
	authState    string
	authCalling  string
	coaSessionID string
	coaNASIP     string
	coaFramedIP  string
)

func init() {
	authCmd.Flags().Uint32Var(&authNASPort, "nas-port", 0,
		"NAS-Port to send")
	authCmd.Flags().StringVar(&authState, "state", "",
		"Hex State from a previous Access-Challenge")
	authCmd.Flags().StringVar(&authCalling, "calling-station-id", "",
		"Calling-Station-Id to send")

	coaDisconnectCmd.Flags().StringVar(&coaSessionID, "session-id", "",
		"Acct-Session-Id of the session (recorded locally before sending)")
	coaDisconnectCmd.Flags().StringVar(&coaNASIP, "nas-ip", "",
		"NAS-IP-Address of the session")
	coaDisconnectCmd.Flags().StringVar(&coaFramedIP, "framed-ip", "",
		"Framed-IP-Address of the session")

	coaCmd.AddCommand(coaSpeedCmd)
	coaCmd.AddCommand(coaQuotaCmd)
	coaCmd.AddCommand(coaDisconnectCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.RADIUS.Server == "" {
		return errors.New("no RADIUS server configured (--radius-server or radius.server)")
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := radius.NewAuthClient(cfg.ClientConfig(), store, logger)
	if err != nil {
		return err
	}
	pool, err := openPool(cmd.Context(), cfg, store, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		client.SetPool(pool)
	}

	req := &radius.AuthRequest{
		Username:         args[0],
		Password:         args[1],
		NASPort:          authNASPort,
		CallingStationID: authCalling,
	}
	if authState != "" {
		if req.State, err = hex.DecodeString(authState); err != nil {
			return fmt.Errorf("invalid --state: %w", err)
		}
	}

	result, err := client.Authenticate(cmd.Context(), req)
	if result != nil {
		printAuthResult(result)
	}
	return err
}

func printAuthResult(r *radius.AuthResult) {
	fmt.Printf("status: %s\n", r.Status)
	if r.ReplyMessage != "" {
		fmt.Printf("reply-message: %s\n", r.ReplyMessage)
	}
	switch r.Status {
	case radius.AuthAccepted:
		fmt.Printf("session-id: %s\n", r.SessionID)
		if r.FramedIP != "" {
			fmt.Printf("framed-ip: %s\n", r.FramedIP)
		}
		if r.SessionTimeout > 0 {
			fmt.Printf("session-timeout: %d\n", r.SessionTimeout)
		}
		if r.InterimInterval > 0 {
			fmt.Printf("interim-interval: %d\n", r.InterimInterval)
		}
		if !r.RateLimit.IsZero() {
			fmt.Printf("rate-limit: %s\n", r.RateLimit)
		}
	case radius.AuthChallenged:
		fmt.Printf("state: %s\n", hex.EncodeToString(r.State))
	}
}

func runCoA(cmd *cobra.Command, send func(context.Context, *radius.CoaClient) (*radius.CoaResult, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.CoA.NAS) == 0 {
		return errors.New("no CoA NAS configured (coa.nas)")
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if coaSessionID != "" {
		if err := seedSession(cmd.Context(), cfg, store, cmd.Flags().Arg(0)); err != nil {
			return err
		}
	}

	client, err := radius.NewCoaClient(cfg.CoaConfig(), store, logger)
	if err != nil {
		return err
	}

	result, err := send(cmd.Context(), client)
	if result != nil {
		fmt.Printf("nas: %s\n", result.NASAddr)
		fmt.Printf("response: %s\n", result.Code)
		if result.ErrorCause != 0 {
			fmt.Printf("error-cause: %s\n", result.ErrorCause)
		}
	}
	if err != nil {
		logger.Debug("CoA failed", zap.Error(err))
	}
	return err
}

// seedSession records the session named on the command line so Disconnect
// can resolve it from a store that does not already hold it.
func seedSession(ctx context.Context, cfg *config.Config, store state.Store, username string) error {
	nasIP := coaNASIP
	if nasIP == "" {
		nasIP = cfg.CoA.NAS[0].Host
	}
	err := store.CreateSession(ctx, &state.Session{
		ID:       coaSessionID,
		Username: username,
		NASIP:    nasIP,
		FramedIP: coaFramedIP,
		Status:   state.SessionActive,
	})
	if err != nil && !errors.Is(err, state.ErrExists) {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}
