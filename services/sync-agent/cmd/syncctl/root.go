package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/config"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	Database string
	Format   string
	Yes      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect a sync agent's local store",
		Long: `Inspect and repair the SQLite store of a stopped sync agent.

Examples:
  syncctl queue list --db ./apptsync-agent.db
  syncctl failed list --format json
  syncctl cache clear --yes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", config.String("AGENT_DB_PATH", "apptsync-agent.db"), "path to the agent SQLite file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newFailedCommand(opts))
	cmd.AddCommand(newCacheCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	return cmd
}

// withStore opens the store, runs fn, and closes it.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, st *localstore.SQLiteStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	st := localstore.NewSQLiteStore(opts.Database)
	if err := st.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}

func clearCommand(opts *rootOptions, short string, apply func(ctx context.Context, st *localstore.SQLiteStore) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return errors.New("refusing to clear without --yes")
			}
			return withStore(cmd, opts, func(ctx context.Context, st *localstore.SQLiteStore) error {
				if err := apply(ctx, st); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the destructive operation")
	return cmd
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Pending mutations, in replay order"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *localstore.SQLiteStore) error {
				pending, err := st.Queue().DrainAll(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, pending, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "SEQ\tKIND\tAPPOINTMENT\tGROUP\tATTEMPTS\tLAST ERROR")
					for _, m := range pending {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", m.Seq, m.Kind, m.AppointmentID, m.GroupID, m.Attempts, m.LastError)
					}
				})
			})
		},
	})
	cmd.AddCommand(clearCommand(opts, "Discard every pending mutation", func(ctx context.Context, st *localstore.SQLiteStore) error {
		return st.Queue().Clear(ctx)
	}))
	return cmd
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "failed", Short: "Mutations dropped by the processor"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *localstore.SQLiteStore) error {
				failed, err := st.Queue().ListFailed(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, failed, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "FAILED AT\tKIND\tAPPOINTMENT\tREASON")
					for _, f := range failed {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.FailedAt.Format(time.RFC3339), f.Kind, f.AppointmentID, f.Reason)
					}
				})
			})
		},
	})
	cmd.AddCommand(clearCommand(opts, "Forget dead-lettered mutations", func(ctx context.Context, st *localstore.SQLiteStore) error {
		return st.Queue().ClearFailed(ctx)
	}))
	return cmd
}

func newCacheCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Locally cached appointments"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *localstore.SQLiteStore) error {
				all, err := st.Records().GetAll(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, all, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tSTATUS\tSTART\tCUSTOMER\tPREVIOUS")
					for _, a := range all {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ExternalID, a.Status, a.StartTime.Format(time.RFC3339), a.CustomerName, a.PreviousID())
					}
				})
			})
		},
	})
	cmd.AddCommand(clearCommand(opts, "Empty the record cache; the agent refills it on its next refresh", func(ctx context.Context, st *localstore.SQLiteStore) error {
		return st.Records().Clear(ctx)
	}))
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dashboard counts over the cached appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *localstore.SQLiteStore) error {
				all, err := st.Records().GetAll(ctx)
				if err != nil {
					return err
				}
				s := appointment.Aggregate(all)
				return render(cmd.OutOrStdout(), opts.Format, s, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "TOTAL\tBOOKED\tCONFIRMED\tCOMPLETED\tCANCELLED")
					fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", s.Total, s.Booked, s.Confirmed, s.Completed, s.Cancelled)
				})
			})
		},
	}
}

func render(w io.Writer, format string, v any, text func(tw *tabwriter.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}
