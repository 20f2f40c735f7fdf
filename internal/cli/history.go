package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/cvs/internal/store"
)

func newHistoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded executions.",
	}
	cmd.AddCommand(
		newHistoryListCommand(a),
		newHistoryShowCommand(a),
		newHistoryStatsCommand(a),
	)
	return cmd
}

// withStore opens the history store for the duration of fn.
func (a *app) withStore(fn func(store.Store) error) error {
	db, err := a.openStore()
	if err != nil {
		return err
	}
	if db == nil {
		return errors.New("execution history disabled: set --history-db or CVS_HISTORY_DB")
	}
	defer db.Close()
	return fn(db)
}

func newHistoryListCommand(a *app) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(s store.Store) error {
				executions, total, err := s.ListExecutions(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTARTED\tPOOL\tSTATUS\tDURATION\tCOMMAND")
				for _, e := range executions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n",
						e.ID, e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.Pool, e.Status, e.DurationMS, e.Command)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d executions\n", len(executions), total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum executions to list.")
	cmd.Flags().IntVar(&offset, "offset", 0, "Executions to skip.")
	return cmd
}

func newHistoryShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print one execution with its per-host results as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s store.Store) error {
				e, err := s.GetExecution(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func newHistoryStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate execution statistics as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(s store.Store) error {
				stats, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
