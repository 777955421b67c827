package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sitebox/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "Show recent pipeline runs",
	Long:  `Show recent pipeline runs from the history database, or the steps of one run.`,
	Example: `  sitebox history -n 5
  sitebox history 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hist, err := history.NewHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer hist.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		run, err := hist.GetRun(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Run %d: %s, started %s\n", run.ID, run.Status, humanize.Time(run.StartedAt))
		if run.LogPath != "" {
			fmt.Fprintf(w, "Log: %s\n", run.LogPath)
		}
		if run.ErrorMessage != nil {
			fmt.Fprintf(w, "Error: %s\n", *run.ErrorMessage)
		}
		fmt.Fprintln(w, "\nSTEP\tOUTCOME\tSECONDS\tDETAIL")
		for _, s := range run.Steps {
			fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\n", s.Step, s.Outcome, s.DurationSeconds, s.Detail)
			for _, warning := range s.Warnings {
				fmt.Fprintf(w, "\t\t\twarning: %s\n", warning)
			}
		}
		return nil
	}

	if historyLimit < 1 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, err := hist.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet")
		return nil
	}

	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDRY RUN\tSKIPPED")
	for _, r := range runs {
		skipped := "-"
		if len(r.Skipped) > 0 {
			skipped = fmt.Sprint(r.Skipped)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", r.ID, r.Status, humanize.Time(r.StartedAt), r.DryRun, skipped)
	}
	return nil
}
