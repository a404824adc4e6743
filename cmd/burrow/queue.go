package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Put work on the Redis queue the worker polls",
	Long: `Put work on the Redis queue the worker polls.

These commands talk to Redis directly and are meant for local setups and
testing; production queues are fed by the scheduler.`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a queue for the configured worker type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetFloat64("priority")
		return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
			if err := q.AddQueue(ctx, cfg.ProvisionerID, cfg.WorkerType, args[0], priority); err != nil {
				return fmt.Errorf("failed to add queue: %w", err)
			}
			fmt.Printf("Queue %s registered for %s/%s with priority %g\n",
				args[0], cfg.ProvisionerID, cfg.WorkerType, priority)
			return nil
		})
	},
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task from a YAML file",
	Long: `Submit a task from a YAML file.

Example file:
  queue: default
  scopes: ["burrow:cache:npm"]
  deadline: 1h
  payload:
    image: busybox
    command: ["sh", "-c", "echo hello"]
    maxRunTime: 600`,
	RunE: runSubmit,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID RUN_ID",
	Short: "Cancel a task run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", args[1], err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
			if err := q.CancelTask(ctx, cfg.ProvisionerID, cfg.WorkerType, args[0], runID, reason); err != nil {
				return fmt.Errorf("failed to cancel task: %w", err)
			}
			fmt.Printf("Cancellation sent for %s/%d\n", args[0], runID)
			return nil
		})
	},
}

func init() {
	queueAddCmd.Flags().Float64("priority", 0, "Queue priority; higher is polled first")
	queueSubmitCmd.Flags().StringP("file", "f", "", "Task file (required)")
	_ = queueSubmitCmd.MarkFlagRequired("file")
	queueCancelCmd.Flags().String("reason", "canceled by operator", "Cancellation reason")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueSubmitCmd)
	queueCmd.AddCommand(queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}

// TaskFile is the YAML form of a task submission
type TaskFile struct {
	Queue    string                 `yaml:"queue"`
	TaskID   string                 `yaml:"taskId,omitempty"`
	RunID    int                    `yaml:"runId,omitempty"`
	Scopes   []string               `yaml:"scopes,omitempty"`
	Deadline time.Duration          `yaml:"deadline,omitempty"`
	Payload  map[string]interface{} `yaml:"payload"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if tf.Queue == "" {
		tf.Queue = "default"
	}
	if tf.TaskID == "" {
		tf.TaskID = uuid.NewString()
	}
	if tf.Deadline <= 0 {
		tf.Deadline = 24 * time.Hour
	}

	payload, err := json.Marshal(tf.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
		now := time.Now().UTC()
		def := &types.TaskDefinition{
			ProvisionerID: cfg.ProvisionerID,
			WorkerType:    cfg.WorkerType,
			Scopes:        tf.Scopes,
			Payload:       payload,
			Created:       now,
			Deadline:      now.Add(tf.Deadline),
		}
		if err := q.Enqueue(ctx, tf.Queue, tf.TaskID, tf.RunID, def); err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}
		fmt.Printf("Submitted %s/%d to queue %s\n", tf.TaskID, tf.RunID, tf.Queue)
		return nil
	})
}

// withQueue connects to the configured Redis and hands the queue to fn
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	return fn(ctx, cfg, queue.NewRedisQueue(client, queue.RedisOptions{}))
}
