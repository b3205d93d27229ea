package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func quoteFeesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote-fees [src-domain] [dst-domain]",
		Short: "show the attestation service fee quote for a domain pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseDomain(args[0])
			if err != nil {
				return err
			}
			dst, err := parseDomain(args[1])
			if err != nil {
				return err
			}

			client, err := irisClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			quotes, err := client.QuoteFees(ctx, src, dst)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINALITY\tMINIMUM FEE")
			for _, q := range quotes {
				fmt.Fprintf(w, "%d\t%s\n", q.FinalityThreshold, q.MinimumFee.String())
			}
			return w.Flush()
		},
	}
}

func reattestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reattest [event-nonce]",
		Short: "ask the attestation service to re-attest a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := irisClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			body, err := client.Reattest(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func parseDomain(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid domain %q: %w", s, err)
	}
	return uint32(v), nil
}
