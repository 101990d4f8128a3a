// Package redis implements the work queue on Redis Streams with
// consumer groups: XADD for enqueue, XREADGROUP for delivery, XACK for
// acknowledgement and XAUTOCLAIM for reclaiming messages from crashed
// consumers. The DLQ is a second append-only stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marmos91/cnabflow/pkg/queue"
)

// Config contains the stream and group names for the Redis queue.
type Config struct {
	// Stream is the work stream (default queue.DefaultStream).
	Stream string `mapstructure:"stream" yaml:"stream"`

	// DLQStream is the dead-letter stream (default queue.DefaultDLQStream).
	DLQStream string `mapstructure:"dlq_stream" yaml:"dlq_stream"`

	// Group is the consumer group name (default "cnab-workers").
	Group string `mapstructure:"group" yaml:"group"`
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = queue.DefaultStream
	}
	if c.DLQStream == "" {
		c.DLQStream = queue.DefaultDLQStream
	}
	if c.Group == "" {
		c.Group = "cnab-workers"
	}
}

// Queue implements queue.Queue on Redis Streams.
type Queue struct {
	client *goredis.Client
	cfg    Config
}

// New creates the queue and its consumer group. Creating a group that
// already exists is not an error.
func New(ctx context.Context, client *goredis.Client, cfg Config) (*Queue, error) {
	cfg.applyDefaults()

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	return &Queue{client: client, cfg: cfg}, nil
}

// isBusyGroup matches the BUSYGROUP error Redis returns when the
// consumer group already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Enqueue appends the message to the work stream.
func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"upload_id":        m.UploadID,
			"storage_path":     m.StoragePath,
			"resume_from_line": m.ResumeFromLine,
			"attempt":          m.Attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue upload %s: %w", m.UploadID, err)
	}
	return nil
}

// Consume reads up to batch new messages for this consumer, blocking up
// to block. A timeout with no messages returns an empty slice.
func (q *Queue) Consume(ctx context.Context, consumerID string, batch int, block time.Duration) ([]queue.Message, error) {
	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumerID,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(batch),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume from %s: %w", q.cfg.Stream, err)
	}

	var messages []queue.Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			messages = append(messages, decodeMessage(entry))
		}
	}
	return messages, nil
}

// Ack acknowledges a delivered message.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}

// Reclaim transfers ownership of messages pending longer than minIdle to
// consumerID and returns them for processing.
func (q *Queue) Reclaim(ctx context.Context, consumerID string, minIdle time.Duration, batch int) ([]queue.Message, error) {
	entries, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(batch),
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reclaim pending messages: %w", err)
	}

	messages := make([]queue.Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, decodeMessage(entry))
	}
	return messages, nil
}

// EnqueueDead appends the payload to the dead-letter stream.
func (q *Queue) EnqueueDead(ctx context.Context, d queue.DeadLetter) error {
	err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.DLQStream,
		Values: map[string]any{
			"upload_id": d.UploadID,
			"reason":    d.Reason,
			"attempts":  d.Attempts,
			"failed_at": d.FailedAt.UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue dead letter for upload %s: %w", d.UploadID, err)
	}
	return nil
}

// decodeMessage maps a stream entry back to a queue.Message. Malformed
// numeric fields decode as zero; the engine treats such messages as a
// first attempt, which is safe because line inserts are idempotent.
func decodeMessage(entry goredis.XMessage) queue.Message {
	m := queue.Message{ID: entry.ID}
	if v, ok := entry.Values["upload_id"].(string); ok {
		m.UploadID = v
	}
	if v, ok := entry.Values["storage_path"].(string); ok {
		m.StoragePath = v
	}
	if v, ok := entry.Values["resume_from_line"].(string); ok {
		m.ResumeFromLine, _ = strconv.Atoi(v)
	}
	if v, ok := entry.Values["attempt"].(string); ok {
		m.Attempt, _ = strconv.Atoi(v)
	}
	return m
}
