package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sparkstep/pkg/models"
	"sparkstep/pkg/storage"
)

const (
	StreamKeyPending = "sparkstep:steps:pending"
	StreamKeyReports = "sparkstep:steps:reports"
)

type RedisQueue struct {
	client *redis.Client
	block  time.Duration
	maxLen int64
}

// RedisQueueConfig holds Redis connection configuration
type RedisQueueConfig struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	// PopBlock is how long Pop waits for a new submission.
	PopBlock time.Duration
	// ReportsMaxLen caps the report stream (approximate trimming).
	ReportsMaxLen int64
}

// DefaultRedisQueueConfig returns defaults sized for a handful of executors.
func DefaultRedisQueueConfig(addr string) RedisQueueConfig {
	return RedisQueueConfig{
		Addr:          addr,
		PoolSize:      20,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		PoolTimeout:   4 * time.Second,
		PopBlock:      2 * time.Second,
		ReportsMaxLen: 10000,
	}
}

// NewRedisQueue initializes a new Redis client with default config.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	return NewRedisQueueWithConfig(DefaultRedisQueueConfig(addr))
}

// NewRedisQueueWithConfig initializes a new Redis client with custom config.
func NewRedisQueueWithConfig(cfg RedisQueueConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		// XREADGROUP blocks server-side, so reads need to outlast the block.
		ReadTimeout:  cfg.ReadTimeout + cfg.PopBlock,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{client: client, block: cfg.PopBlock, maxLen: cfg.ReportsMaxLen}, nil
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Ping reports whether Redis is reachable.
func (r *RedisQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Push adds a submission payload to the pending stream.
func (r *RedisQueue) Push(ctx context.Context, sub *models.StepSubmission) error {
	values, err := encodeSubmission(sub)
	if err != nil {
		return err
	}

	// XADD sparkstep:steps:pending * payload {json} ...
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyPending,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist. A new group
// starts from the beginning of the stream so steps accepted before the
// first executor came up are still delivered.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	return r.ensureGroup(ctx, StreamKeyPending, group)
}

// EnsureReportGroup creates a consumer group on the report stream.
func (r *RedisQueue) EnsureReportGroup(ctx context.Context, group string) error {
	return r.ensureGroup(ctx, StreamKeyReports, group)
}

func (r *RedisQueue) ensureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop retrieves a submission from the queue for a specific consumer group.
func (r *RedisQueue) Pop(ctx context.Context, group string, consumer string) (string, *models.StepSubmission, error) {
	msg, err := r.readOne(ctx, StreamKeyPending, group, consumer)
	if err != nil || msg == nil {
		return "", nil, err
	}
	sub, err := decodeSubmission(msg.Values)
	if err != nil {
		return msg.ID, nil, err
	}
	return msg.ID, sub, nil
}

// PopReport retrieves a report from the report stream.
func (r *RedisQueue) PopReport(ctx context.Context, group string, consumer string) (string, *models.StepReport, error) {
	msg, err := r.readOne(ctx, StreamKeyReports, group, consumer)
	if err != nil || msg == nil {
		return "", nil, err
	}
	report, err := decodeReport(msg.Values)
	if err != nil {
		return msg.ID, nil, err
	}
	return msg.ID, report, nil
}

// AckReport acknowledges a report as applied.
func (r *RedisQueue) AckReport(ctx context.Context, group string, msgID string) error {
	return r.client.XAck(ctx, StreamKeyReports, group, msgID).Err()
}

// ClaimStaleReports takes over reports left pending by a failed apply or a
// collector that died before acking.
func (r *RedisQueue) ClaimStaleReports(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]storage.ClaimedReport, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKeyReports,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim stale reports: %w", err)
	}

	claimed := make([]storage.ClaimedReport, 0, len(msgs))
	for _, msg := range msgs {
		report, err := decodeReport(msg.Values)
		claimed = append(claimed, storage.ClaimedReport{MsgID: msg.ID, Report: report, Err: err})
	}
	return claimed, nil
}

// Client exposes the underlying connection for stores sharing it.
func (r *RedisQueue) Client() *redis.Client {
	return r.client
}

func (r *RedisQueue) readOne(ctx context.Context, stream, group, consumer string) (*redis.XMessage, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Timeout, nothing new
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

// Ack acknowledges a submission as processed.
func (r *RedisQueue) Ack(ctx context.Context, group string, msgID string) error {
	return r.client.XAck(ctx, StreamKeyPending, group, msgID).Err()
}

// PublishReport appends a step report to the report stream.
func (r *RedisQueue) PublishReport(ctx context.Context, report *models.StepReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: StreamKeyReports,
		Values: map[string]interface{}{
			"payload":       string(payload),
			"submission_id": report.SubmissionID.String(),
			"status":        string(report.Status),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}

func encodeSubmission(sub *models.StepSubmission) (map[string]interface{}, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	return map[string]interface{}{
		"payload": string(payload),
		"step_id": sub.ID.String(),
		"name":    sub.Name,
	}, nil
}

func decodeSubmission(values map[string]interface{}) (*models.StepSubmission, error) {
	payloadStr, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing payload field", storage.ErrInvalidPayload)
	}

	var sub models.StepSubmission
	if err := json.Unmarshal([]byte(payloadStr), &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPayload, err)
	}
	return &sub, nil
}

func decodeReport(values map[string]interface{}) (*models.StepReport, error) {
	payloadStr, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing payload field", storage.ErrInvalidPayload)
	}

	var report models.StepReport
	if err := json.Unmarshal([]byte(payloadStr), &report); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPayload, err)
	}
	return &report, nil
}
