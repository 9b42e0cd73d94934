package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"camtrace/internal/model"
	"camtrace/internal/schemavalidation"
	"camtrace/internal/store"
)

func newRunsCmd(a *app) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored analysis runs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database (default: storage.path from config)")

	open := func(cmd *cobra.Command) (*store.Store, error) {
		cfg, err := a.load(cmd)
		if err != nil {
			return nil, err
		}
		path := dbPath
		if path == "" {
			path = cfg.Storage.Path
		}
		return store.Open(path, store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond))
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tEVENTS\tSESSIONS\tCAPTURES")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.ID, r.CreatedAt.Format(time.RFC3339),
					r.Summary.InputEvents, r.Summary.Sessions, r.Summary.Captures)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 for all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the stored result of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.LoadResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("run not found: %s", args[0])
			}
			v, err := schemavalidation.Results()
			if err != nil {
				return err
			}
			if err := v.ValidateValue(result); err != nil {
				return fmt.Errorf("stored result %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	verify := &cobra.Command{
		Use:   "verify [run-id]",
		Short: "Check stored results against their digests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				if err := st.VerifyRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
				return nil
			}

			corrupted, err := st.VerifyAllRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(corrupted) > 0 {
				for _, id := range corrupted {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: digest mismatch\n", id)
				}
				return fmt.Errorf("%d run(s) failed verification", len(corrupted))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all runs ok")
			return nil
		},
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Show the database schema version and applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.Schema(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schema version %d (latest %d)\n", info.Version, info.Latest)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
			for _, m := range info.Applied {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
			}
			for _, m := range info.Pending {
				fmt.Fprintf(tw, "%d\tpending\t%s\n", m.Version, m.Description)
			}
			return tw.Flush()
		},
	}

	sessions := &cobra.Command{
		Use:   "sessions <run-id>",
		Short: "List the camera sessions of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := requireRun(cmd, st, args[0]); err != nil {
				return err
			}
			rows, err := st.ListSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tPACKAGE\tSTART\tEND\tREASON\tSCORE\tCAPTURES")
			for _, s := range rows {
				end := "-"
				if s.EndTime != nil {
					end = s.EndTime.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%d\n", s.ID, s.PackageName,
					s.StartTime.Format(time.RFC3339), end, s.IncompleteReason, s.CompletenessScore, len(s.CaptureIDs))
			}
			return tw.Flush()
		},
	}

	var from, to string
	captures := &cobra.Command{
		Use:   "captures [run-id]",
		Short: "List stored captures of one run, or of every run in a time range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var rows []*model.CaptureEvent
			if len(args) == 1 {
				if err := requireRun(cmd, st, args[0]); err != nil {
					return err
				}
				rows, err = st.ListCaptures(cmd.Context(), args[0])
			} else {
				var start, end time.Time
				if start, end, err = parseRange(from, to); err != nil {
					return err
				}
				rows, err = st.CapturesBetween(cmd.Context(), start, end)
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CAPTURE\tTIME\tPACKAGE\tSTRATEGY\tSCORE")
			for _, c := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\n", c.ID, c.CaptureTime.Format(time.RFC3339),
					c.PackageName, c.Strategy, c.Score)
			}
			return tw.Flush()
		},
	}
	captures.Flags().StringVar(&from, "from", "", "range start (RFC 3339) when no run id is given")
	captures.Flags().StringVar(&to, "to", "", "range end (RFC 3339, default now)")

	del := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored run with its sessions and captures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := requireRun(cmd, st, args[0]); err != nil {
				return err
			}
			if err := st.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			last := "never"
			if !s.LastRun.IsZero() {
				last = s.LastRun.Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "runs: %d\nsessions: %d\ncaptures: %d\nlast run: %s\n",
				s.Runs, s.Sessions, s.Captures, last)
			return nil
		},
	}

	cmd.AddCommand(list, show, verify, schema, sessions, captures, del, stats)
	return cmd
}

func requireRun(cmd *cobra.Command, st *store.Store, id string) error {
	run, err := st.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// parseRange reads RFC 3339 bounds; an empty to means now.
func parseRange(from, to string) (start, end time.Time, err error) {
	if from == "" {
		return start, end, fmt.Errorf("a run id or --from is required")
	}
	if start, err = time.Parse(time.RFC3339, from); err != nil {
		return start, end, fmt.Errorf("parse --from: %w", err)
	}
	end = time.Now()
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return start, end, fmt.Errorf("parse --to: %w", err)
		}
	}
	return start, end, nil
}
