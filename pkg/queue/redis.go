package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	// DefaultPrefix namespaces every key written by the queue
	DefaultPrefix = "burrow"
	// DefaultClaimTimeout is the lease granted by a claim or reclaim
	DefaultClaimTimeout = 20 * time.Minute
	// DefaultVisibilityTimeout hides a fetched candidate from other workers
	DefaultVisibilityTimeout = 5 * time.Minute
	// DefaultDescriptorTTL is how long a queue descriptor stays valid
	DefaultDescriptorTTL = 30 * time.Minute
)

// fetchScript returns expired in-flight messages to the pending list, then
// moves up to ARGV[3] messages from pending to in-flight, counting each
// delivery. The reply alternates message and dequeue count.
var fetchScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('RPUSH', KEYS[1], m)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
  local m = redis.call('LPOP', KEYS[1])
  if not m then break end
  redis.call('ZADD', KEYS[2], ARGV[2], m)
  local count = redis.call('HINCRBY', KEYS[3], m, 1)
  table.insert(out, m)
  table.insert(out, count)
end
return out
`)

// reclaimScript extends a claim only if it is still held by ARGV[1]
var reclaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a RedisQueue
type RedisOptions struct {
	Prefix            string
	WorkerID          string
	ClaimTimeout      time.Duration
	VisibilityTimeout time.Duration
	DescriptorTTL     time.Duration
	Clock             clockwork.Clock
}

// RedisQueue implements Queue on Redis. Each queue is a pending list plus a
// sorted set of in-flight messages; claims are keys with a TTL owned by one
// worker; cancellations are published on a channel.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
}

type message struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
}

type cancelMessage struct {
	TaskID        string `json:"taskId"`
	RunID         int    `json:"runId"`
	Reason        string `json:"reason"`
	ProvisionerID string `json:"provisionerId"`
	WorkerType    string `json:"workerType"`
}

// NewRedisQueue creates a queue backed by client
func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.DescriptorTTL <= 0 {
		opts.DescriptorTTL = DefaultDescriptorTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &RedisQueue{client: client, opts: opts, logger: log.WithComponent("redis-queue")}
}

// Ping checks that Redis is reachable
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) key(parts ...string) string {
	return q.opts.Prefix + ":" + strings.Join(parts, ":")
}

func (q *RedisQueue) queuesKey(provisionerID, workerType string) string {
	return q.key("queues", provisionerID+"/"+workerType)
}

func (q *RedisQueue) queueBase(name string) string {
	return q.key("queue", name)
}

func (q *RedisQueue) claimKey(taskID string, runID int) string {
	return q.key("claim", types.RunKey(taskID, runID))
}

func (q *RedisQueue) resolutionKey(taskID string, runID int) string {
	return q.key("resolution", types.RunKey(taskID, runID))
}

func (q *RedisQueue) cancelChannel() string {
	return q.key("task-exception")
}

// AddQueue registers a pending queue for a worker type. Higher priority
// queues are polled first.
func (q *RedisQueue) AddQueue(ctx context.Context, provisionerID, workerType, name string, priority float64) error {
	return q.client.ZAdd(ctx, q.queuesKey(provisionerID, workerType), redis.Z{Score: priority, Member: name}).Err()
}

// Enqueue stores the task definition and appends the run to a queue
func (q *RedisQueue) Enqueue(ctx context.Context, queueName, taskID string, runID int, def *types.TaskDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode task definition: %w", err)
	}
	msg, err := json.Marshal(message{TaskID: taskID, RunID: runID})
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.key("task", taskID), data, 0)
		pipe.RPush(ctx, q.queueBase(queueName)+":pending", string(msg))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return nil
}

// CancelTask publishes a cancellation for a task run
func (q *RedisQueue) CancelTask(ctx context.Context, provisionerID, workerType, taskID string, runID int, reason string) error {
	data, err := json.Marshal(cancelMessage{
		TaskID:        taskID,
		RunID:         runID,
		Reason:        reason,
		ProvisionerID: provisionerID,
		WorkerType:    workerType,
	})
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.cancelChannel(), data).Err()
}

func (q *RedisQueue) PollTaskURLs(ctx context.Context, provisionerID, workerType string) ([]types.QueueDescriptor, error) {
	names, err := q.client.ZRevRange(ctx, q.queuesKey(provisionerID, workerType), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	expires := q.opts.Clock.Now().Add(q.opts.DescriptorTTL)
	descriptors := make([]types.QueueDescriptor, 0, len(names))
	for _, name := range names {
		base := q.queueBase(name)
		descriptors = append(descriptors, types.QueueDescriptor{
			SignedPollURL:   base + ":pending",
			SignedDeleteURL: base + ":inflight",
			Expires:         expires,
		})
	}
	return descriptors, nil
}

func (q *RedisQueue) FetchCandidates(ctx context.Context, desc types.QueueDescriptor, n int) ([]types.Candidate, error) {
	now := q.opts.Clock.Now()
	keys := []string{desc.SignedPollURL, desc.SignedDeleteURL, dequeuesKey(desc.SignedDeleteURL)}

	reply, err := fetchScript.Run(ctx, q.client, keys,
		now.UnixMilli(),
		now.Add(q.opts.VisibilityTimeout).UnixMilli(),
		n,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	candidates := make([]types.Candidate, 0, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		raw, _ := reply[i].(string)
		count, _ := reply[i+1].(int64)

		var m message
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.TaskID == "" {
			q.logger.Warn().Str("message", raw).Msg("Dropping malformed queue message")
			_ = q.deleteRaw(ctx, desc.SignedDeleteURL, raw)
			continue
		}

		candidates = append(candidates, types.Candidate{
			TaskID:       m.TaskID,
			RunID:        m.RunID,
			MessageID:    raw,
			DequeueCount: int(count),
			Raw:          raw,
			DeleteURL:    desc.SignedDeleteURL,
		})
	}
	return candidates, nil
}

func (q *RedisQueue) DeleteCandidate(ctx context.Context, c types.Candidate) error {
	if err := q.deleteRaw(ctx, c.DeleteURL, c.Raw); err != nil {
		return fmt.Errorf("failed to delete candidate %s: %w", types.RunKey(c.TaskID, c.RunID), err)
	}
	return nil
}

func (q *RedisQueue) deleteRaw(ctx context.Context, inflightKey, raw string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey, raw)
		pipe.HDel(ctx, dequeuesKey(inflightKey), raw)
		return nil
	})
	return err
}

func (q *RedisQueue) ClaimTask(ctx context.Context, taskID string, runID int, req types.ClaimRequest) (types.ClaimResult, error) {
	resolved, err := q.client.Exists(ctx, q.resolutionKey(taskID, runID)).Result()
	if err != nil {
		return types.ClaimResult{}, fmt.Errorf("failed to check resolution: %w", err)
	}
	if resolved > 0 {
		return types.ClaimResult{}, conflict(taskID, runID, "resolved")
	}

	ok, err := q.client.SetNX(ctx, q.claimKey(taskID, runID), req.WorkerID, q.opts.ClaimTimeout).Result()
	if err != nil {
		return types.ClaimResult{}, fmt.Errorf("failed to claim task: %w", err)
	}
	if !ok {
		return types.ClaimResult{}, conflict(taskID, runID, "claimed")
	}

	return types.ClaimResult{TakenUntil: q.opts.Clock.Now().Add(q.opts.ClaimTimeout)}, nil
}

func (q *RedisQueue) ReclaimTask(ctx context.Context, taskID string, runID int) (types.ClaimResult, error) {
	extended, err := reclaimScript.Run(ctx, q.client,
		[]string{q.claimKey(taskID, runID)},
		q.opts.WorkerID,
		q.opts.ClaimTimeout.Milliseconds(),
	).Int()
	if err != nil {
		return types.ClaimResult{}, fmt.Errorf("failed to reclaim task: %w", err)
	}
	if extended == 0 {
		return types.ClaimResult{}, conflict(taskID, runID, "lost")
	}
	return types.ClaimResult{TakenUntil: q.opts.Clock.Now().Add(q.opts.ClaimTimeout)}, nil
}

func (q *RedisQueue) TaskDefinition(ctx context.Context, taskID string) (*types.TaskDefinition, error) {
	data, err := q.client.Get(ctx, q.key("task", taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, zerr.With(zerr.Wrap(ErrTaskNotFound, "failed to load task definition"), "task_id", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task definition: %w", err)
	}

	var def types.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode task definition: %w", err)
	}
	return &def, nil
}

func (q *RedisQueue) ReportCompleted(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.resolve(ctx, taskID, runID, types.TaskStateCompleted, details)
}

func (q *RedisQueue) ReportFailed(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.resolve(ctx, taskID, runID, types.TaskStateFailed, details)
}

func (q *RedisQueue) ReportException(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.resolve(ctx, taskID, runID, types.TaskStateException, details)
}

// Resolution returns the stored resolution of a task run, or nil
func (q *RedisQueue) Resolution(ctx context.Context, taskID string, runID int) (map[string]string, error) {
	res, err := q.client.HGetAll(ctx, q.resolutionKey(taskID, runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

func (q *RedisQueue) resolve(ctx context.Context, taskID string, runID int, state types.TaskState, details types.ResolutionDetails) error {
	owner, err := q.client.Get(ctx, q.claimKey(taskID, runID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read claim: %w", err)
	}
	if owner != q.opts.WorkerID {
		return conflict(taskID, runID, "not held")
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.resolutionKey(taskID, runID),
			"state", string(state),
			"reason", details.Reason,
			"exitCode", strconv.Itoa(details.ExitCode),
			"workerId", q.opts.WorkerID,
			"resolvedAt", q.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Del(ctx, q.claimKey(taskID, runID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to report %s: %w", state, err)
	}
	return nil
}

func (q *RedisQueue) SubscribeCancellations(ctx context.Context, filter types.CancelFilter) (<-chan types.CancelEvent, error) {
	pubsub := q.client.Subscribe(ctx, q.cancelChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	events := make(chan types.CancelEvent)
	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var m cancelMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					q.logger.Warn().Err(err).Msg("Ignoring malformed cancellation")
					continue
				}
				if !matches(filter, m) {
					continue
				}
				select {
				case events <- types.CancelEvent{TaskID: m.TaskID, RunID: m.RunID, Reason: m.Reason}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func matches(f types.CancelFilter, m cancelMessage) bool {
	if f.ProvisionerID != "" && m.ProvisionerID != "" && f.ProvisionerID != m.ProvisionerID {
		return false
	}
	if f.WorkerType != "" && m.WorkerType != "" && f.WorkerType != m.WorkerType {
		return false
	}
	return true
}

func dequeuesKey(inflightKey string) string {
	return strings.TrimSuffix(inflightKey, ":inflight") + ":dequeues"
}

func conflict(taskID string, runID int, state string) error {
	return zerr.With(zerr.With(zerr.Wrap(ErrClaimConflict, "failed to claim"), "run", types.RunKey(taskID, runID)), "state", state)
}
