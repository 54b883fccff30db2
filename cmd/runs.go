package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past linkage runs",
}

var runsListFlags struct {
	limit int
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent linkage runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run and its skipped/failed lags",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsListCmd.Flags().IntVar(&runsListFlags.limit, "limit", 20, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openRunLog(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), runsListFlags.limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMEASURE\tMODE\tSTATUS\tLAGS\tLINKED\tSKIPPED\tFAILED\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Measure, r.Mode, r.Status, r.Lags, r.Linked, r.Skipped, r.Failed,
			r.StartedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openRunLog(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	run, events, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run:      %s\n", run.ID)
	fmt.Printf("measure:  %s\n", run.Measure)
	fmt.Printf("mode:     %s (%s)\n", run.Mode, run.Strategy)
	fmt.Printf("status:   %s\n", run.Status)
	fmt.Printf("lags:     %d (linked %d, skipped %d, failed %d)\n", run.Lags, run.Linked, run.Skipped, run.Failed)
	fmt.Printf("started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("finished: %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Printf("error:    %s\n", run.Error)
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAG\tSTATUS\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\n", ev.Lag, ev.Status, ev.Detail)
	}
	return w.Flush()
}
