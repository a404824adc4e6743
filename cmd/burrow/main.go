package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - queue-driven container task worker",
	Long: `Burrow claims task runs from a queue, runs each one in a container
and reports the result back. It keeps reusable cache volumes between
tasks and cleans up after itself when containers or disk space leak.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the worker config file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Burrow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker",
	Long: `Start the worker and poll for tasks until interrupted.

On SIGINT or SIGTERM the worker stops claiming new tasks and waits up to
--shutdown-timeout for running tasks before aborting them. A second signal
aborts them right away.

SIGUSR1 pauses polling and SIGUSR2 resumes it. Running tasks are not
affected by either.`,
	RunE: runStart,
}

func init() {
	addWorkerFlags(startCmd)
	startCmd.Flags().Duration("shutdown-timeout", 5*time.Minute, "How long to wait for running tasks on shutdown")
}

// addWorkerFlags defines the flags that override the config file's identity
// and capacity
func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("capacity", 0, "Number of tasks to run concurrently")
	cmd.Flags().String("worker-id", "", "Worker id (generated when empty)")
	cmd.Flags().String("worker-type", "", "Worker type to claim tasks for")
	cmd.Flags().String("worker-group", "", "Worker group")
	cmd.Flags().String("provisioner-id", "", "Provisioner id to claim tasks for")
}

// loadConfig reads the config file named by --config and applies the
// identity and capacity flags the command defines
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("capacity") {
		cfg.Capacity, _ = flags.GetInt("capacity")
	}
	for name, field := range map[string]*string{
		"worker-id":      &cfg.WorkerID,
		"worker-type":    &cfg.WorkerType,
		"worker-group":   &cfg.WorkerGroup,
		"provisioner-id": &cfg.ProvisionerID,
	} {
		if flags.Changed(name) {
			*field, _ = flags.GetString(name)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	metrics.SetVersion(Version)

	w, err := worker.NewWorker(cfg)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	sig := awaitShutdown(sigCh, w)
	log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// a second signal aborts running tasks immediately
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return w.Stop(ctx)
}

type pauser interface {
	Pause()
	Resume()
}

// awaitShutdown applies pause and resume signals to w until any other
// signal arrives, and returns that one
func awaitShutdown(sigCh <-chan os.Signal, w pauser) os.Signal {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			log.Logger.Info().Msg("Pausing task polling")
			w.Pause()
		case syscall.SIGUSR2:
			log.Logger.Info().Msg("Resuming task polling")
			w.Resume()
		default:
			return sig
		}
	}
	return nil
}
