package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show task runs recorded by this worker",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns()
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		if limit > 0 && len(runs) > limit {
			runs = runs[:limit]
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tRUN\tSTATE\tREASON\tEXIT\tDURATION\tFINISHED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
				r.TaskID, r.RunID, r.State, r.Reason, r.ExitCode,
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
				r.FinishedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show TASK_ID RUN_ID",
	Short: "Show a single run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", args[1], err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := store.GetRun(args[0], runID)
		if err != nil {
			return err
		}

		fmt.Printf("Task:     %s\n", r.TaskID)
		fmt.Printf("Run:      %d\n", r.RunID)
		fmt.Printf("State:    %s\n", r.State)
		if r.Reason != "" {
			fmt.Printf("Reason:   %s\n", r.Reason)
		}
		fmt.Printf("Exit:     %d\n", r.ExitCode)
		fmt.Printf("Started:  %s\n", r.StartedAt.Format(time.RFC3339))
		fmt.Printf("Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs to show (0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// openStore opens the worker's bolt database read-only so it can be
// inspected while the worker runs
func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.StorePath(), true)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.StorePath(), err)
	}
	return store, nil
}
