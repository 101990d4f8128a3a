// Package queue defines the durable at-least-once work queue contract
// that hands uploads from the ingestion front to the processing engine.
// The redis subpackage implements it on Redis Streams with consumer
// groups; the memory subpackage provides a fake for tests and the
// synchronous profile.
package queue

import (
	"context"
	"time"
)

// Default stream names. Stable within a deployment.
const (
	DefaultStream    = "cnab:upload:queue"
	DefaultDLQStream = "cnab:upload:dlq"
)

// Message is one unit of processing work.
type Message struct {
	// ID is the server-assigned message id. Empty until delivered.
	ID string

	// UploadID identifies the FileUpload row to process.
	UploadID string

	// StoragePath is the blob-store key of the raw file. Empty when the
	// upload was accepted in degraded mode.
	StoragePath string

	// ResumeFromLine is the zero-based line index processing starts at:
	// 0 for a first run, lastCheckpointLine+1 on recovery.
	ResumeFromLine int

	// Attempt counts deliveries of this upload, starting at 0.
	Attempt int
}

// DeadLetter is the payload appended to the DLQ when an upload exhausts
// its retries or hits a non-recoverable error.
type DeadLetter struct {
	UploadID string
	Reason   string
	Attempts int
	FailedAt time.Time
}

// Queue is a durable at-least-once work queue with consumer groups.
type Queue interface {
	// Enqueue appends a message and returns after the durable commit.
	Enqueue(ctx context.Context, m Message) error

	// Consume blocks up to block waiting for messages and returns up to
	// batch of them, each carrying a server-assigned ID. An empty slice
	// (no error) means the block duration elapsed.
	Consume(ctx context.Context, consumerID string, batch int, block time.Duration) ([]Message, error)

	// Ack marks a delivered message as handled.
	Ack(ctx context.Context, messageID string) error

	// Reclaim takes over messages that were delivered to some consumer
	// but not acknowledged for at least minIdle, reassigning them to
	// consumerID. Used to recover work from crashed replicas.
	Reclaim(ctx context.Context, consumerID string, minIdle time.Duration, batch int) ([]Message, error)

	// EnqueueDead appends a payload to the dead-letter stream.
	EnqueueDead(ctx context.Context, d DeadLetter) error
}
