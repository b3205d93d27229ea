package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cctp-relayer/internal/api"
	"github.com/cctp-relayer/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func jobsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list the most recent relay jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s := models.JobStatus(status)
			if s != "" && !s.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			jobs, err := store.ListByStatus(cmd.Context(), s, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tSOURCE TX\tDEST TX\tNEXT RUN")
			for _, j := range jobs {
				dest := "-"
				if j.DestTxHash != nil {
					dest = *j.DestTxHash
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					j.ID, j.Kind, j.Status, j.Attempts, j.SourceTxHash, dest, j.NextRunAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job [id]",
		Short: "show one relay job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			job, err := store.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.NewJobView(job))
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			counts, err := store.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			var total int64
			for _, s := range models.AllStatuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
				total += counts[s]
			}
			fmt.Fprintf(w, "total\t%d\n", total)
			return w.Flush()
		},
	}
}
