package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Inspect the garbage collector's state",
}

var gcIgnoredCmd = &cobra.Command{
	Use:   "ignored",
	Short: "List containers the garbage collector gave up removing",
	Long: `List containers the garbage collector gave up removing.

These containers are never touched again by the worker and need manual
cleanup. Once removed by hand, "burrow gc forget" drops them from the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ignored, err := store.ListIgnoredContainers()
		if err != nil {
			return fmt.Errorf("failed to list ignored containers: %w", err)
		}
		if len(ignored) == 0 {
			fmt.Println("No ignored containers")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONTAINER\tSINCE\tREASON")
		for _, c := range ignored {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Since.Format(time.RFC3339), c.Reason)
		}
		return tw.Flush()
	},
}

var gcForgetCmd = &cobra.Command{
	Use:   "forget CONTAINER_ID...",
	Short: "Drop containers from the ignored list",
	Long: `Drop containers from the ignored list. The worker must be stopped, as
it holds the database lock while running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.StorePath(), false)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", cfg.StorePath(), err)
		}
		defer store.Close()

		for _, id := range args {
			if err := store.DeleteIgnoredContainer(id); err != nil {
				return fmt.Errorf("failed to forget %s: %w", id, err)
			}
			fmt.Printf("Forgot %s\n", id)
		}
		return nil
	},
}

func init() {
	gcCmd.AddCommand(gcIgnoredCmd)
	gcCmd.AddCommand(gcForgetCmd)
	rootCmd.AddCommand(gcCmd)
}
