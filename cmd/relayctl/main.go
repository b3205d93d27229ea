// Package main provides relayctl, the operator CLI for the relayer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cctp-relayer/internal/adapter"
	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/ratelimit"
	"github.com/cctp-relayer/internal/storage"
	"github.com/spf13/cobra"
)

const logLevelFlag = "log-level"

var (
	cfg    *config.Config
	logger *logging.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect relay jobs and talk to the attestation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadConfig()
			if err != nil {
				return err
			}
			cfg = loaded

			level, _ := cmd.Flags().GetString(logLevelFlag)
			logging.InitGlobalLogger(logging.ParseLogLevel(level), logging.FormatText)
			logger = logging.GetGlobalLogger()
			return nil
		},
	}
	cmd.PersistentFlags().String(logLevelFlag, "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		quoteFeesCmd(),
		reattestCmd(),
		jobsCmd(),
		jobCmd(),
		statusCmd(),
		relayCmd(),
	)
	return cmd
}

// irisClient builds an attestation client without touching the chains
func irisClient() (*adapter.IrisClient, error) {
	if cfg.Iris.BaseURL == "" {
		return nil, fmt.Errorf("missing IRIS_BASE")
	}
	return adapter.NewIrisClient(adapter.IrisClientConfig{
		BaseURL: cfg.Iris.BaseURL,
		Limiter: ratelimit.NewLocalLimiter(cfg.Iris.RatePerSecond),
	}), nil
}

// openStore opens the configured job store; the caller closes it
func openStore() (storage.JobStore, error) {
	store, err := storage.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
