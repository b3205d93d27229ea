package main

import (
	"fmt"
	"time"

	"github.com/cctp-relayer/internal/models"
	"github.com/cctp-relayer/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func relayCmd() *cobra.Command {
	var (
		timeout     time.Duration
		waitReceipt bool
	)
	cmd := &cobra.Command{
		Use:   "relay [deposit|withdraw] [source-tx-hash]",
		Short: "wait for the attestation of one transfer and submit it",
		Long: "Relays a single transfer without the job store. Deposits are read from l2 and " +
			"finalized on l1; withdrawals are read from l1 and delivered on l2.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			kind := models.JobKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("kind must be %q or %q", models.JobKindDeposit, models.JobKindWithdraw)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			components, err := service.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, components.Close()) }()

			relayer, err := service.NewManualRelayer(service.ManualRelayConfig{
				Attestation:  components.Iris,
				Chains:       components.Chains,
				PollInterval: cfg.Iris.PollInterval,
				Timeout:      timeout,
				WaitReceipt:  waitReceipt,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			result, err := relayer.Relay(cmd.Context(), kind, args[1])
			if result != nil {
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return multierr.Append(err, perr)
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long")
	cmd.Flags().BoolVar(&waitReceipt, "wait-receipt", true, "wait for the destination receipt")
	return cmd
}
