// Package engine implements the background processing of queued uploads:
// it consumes queue messages, serialises work per upload with a
// distributed lock, streams the blob through the parser and persists
// transactions in checkpointed batches so a crashed run can resume from
// the last checkpoint instead of starting over.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/internal/telemetry"
	"github.com/marmos91/cnabflow/pkg/blob"
	"github.com/marmos91/cnabflow/pkg/lock"
	"github.com/marmos91/cnabflow/pkg/metrics"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/pipeline"
	"github.com/marmos91/cnabflow/pkg/queue"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// Config tunes the processing engine.
type Config struct {
	// Bucket is the object-store bucket raw uploads live in.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// ConsumerID identifies this replica within the consumer group.
	// Defaults to hostname plus a random suffix.
	ConsumerID string `mapstructure:"consumer_id" yaml:"consumer_id,omitempty"`

	// ParallelWorkers is the number of concurrent line workers per
	// upload.
	ParallelWorkers int `mapstructure:"parallel_workers" yaml:"parallel_workers"`

	// CheckpointInterval is the number of lines per batch flush.
	CheckpointInterval int `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`

	// MaxRetryPerLine bounds per-line attempts on transient errors.
	MaxRetryPerLine int `mapstructure:"max_retry_per_line" yaml:"max_retry_per_line"`

	// RetryDelay separates per-line retries.
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`

	// MaxRetries bounds per-upload delivery attempts before the DLQ.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// ProcessingTTL is the distributed lock lease. Must exceed
	// QueueBlock and the expected batch flush time.
	ProcessingTTL time.Duration `mapstructure:"processing_ttl" yaml:"processing_ttl"`

	// QueueBlock is how long one Consume call blocks for messages.
	QueueBlock time.Duration `mapstructure:"queue_block" yaml:"queue_block"`

	// QueueBatch is the number of messages fetched per Consume call.
	QueueBatch int `mapstructure:"queue_batch" yaml:"queue_batch"`

	// ReclaimInterval is how often the engine scans for messages
	// delivered to a crashed replica.
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" yaml:"reclaim_interval"`

	// MaxBytes caps the blob size read into memory.
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.ConsumerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "cnabflow"
		}
		c.ConsumerID = host + "-" + uuid.New().String()[:8]
	}
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = 4
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 100
	}
	if c.MaxRetryPerLine <= 0 {
		c.MaxRetryPerLine = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ProcessingTTL <= 0 {
		c.ProcessingTTL = 2 * time.Minute
	}
	if c.QueueBlock <= 0 {
		c.QueueBlock = 5 * time.Second
	}
	if c.QueueBatch <= 0 {
		c.QueueBatch = 10
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 20
	}
}

// Engine consumes upload messages and drives line processing.
type Engine struct {
	config   Config
	registry *registry.GORMRegistry
	blobs    blob.Store
	queue    queue.Queue
	locks    lock.Manager
	metrics  *metrics.PipelineMetrics
}

// New creates a processing engine.
func New(config Config, reg *registry.GORMRegistry, blobs blob.Store, q queue.Queue, locks lock.Manager, m *metrics.PipelineMetrics) *Engine {
	config.ApplyDefaults()
	return &Engine{
		config:   config,
		registry: reg,
		blobs:    blobs,
		queue:    q,
		locks:    locks,
		metrics:  m,
	}
}

// Run consumes until ctx is cancelled. Blocks; start it in a goroutine.
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("processing engine started",
		logger.KeyConsumerID, e.config.ConsumerID,
		"workers", e.config.ParallelWorkers)

	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			logger.Info("processing engine stopped")
			return ctx.Err()
		}

		msgs, err := e.queue.Consume(ctx, e.config.ConsumerID, e.config.QueueBatch, e.config.QueueBlock)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("processing engine stopped")
				return ctx.Err()
			}
			logger.Error("queue consume failed", logger.KeyError, err)
			sleepCtx(ctx, e.config.RetryDelay)
			continue
		}

		for _, msg := range msgs {
			e.handle(ctx, msg)
		}

		if time.Since(lastReclaim) >= e.config.ReclaimInterval {
			lastReclaim = time.Now()
			e.reclaimPending(ctx)
		}
	}
}

// reclaimPending takes over messages stranded on crashed replicas. The
// idle threshold is the lock TTL: anything older has certainly lost its
// lease.
func (e *Engine) reclaimPending(ctx context.Context) {
	msgs, err := e.queue.Reclaim(ctx, e.config.ConsumerID, e.config.ProcessingTTL, e.config.QueueBatch)
	if err != nil {
		logger.Error("pending reclaim failed", logger.KeyError, err)
		return
	}
	for _, msg := range msgs {
		logger.Info("reclaimed stranded message",
			logger.KeyMessageID, msg.ID,
			logger.KeyUploadID, msg.UploadID)
		e.handle(ctx, msg)
	}
}

// handle processes one delivery end to end.
func (e *Engine) handle(ctx context.Context, msg queue.Message) {
	lease, err := e.locks.Acquire(ctx, lock.UploadLockName(msg.UploadID), e.config.ProcessingTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			// Another worker owns this upload. Leave the message
			// pending; the reclaim scan retries it once the lock TTL
			// has passed.
			logger.Debug("upload locked elsewhere, skipping delivery",
				logger.KeyUploadID, msg.UploadID)
			return
		}
		logger.Error("lock acquire failed",
			logger.KeyUploadID, msg.UploadID,
			logger.KeyError, err)
		return
	}
	defer func() {
		if err := e.locks.Release(ctx, lease); err != nil && !errors.Is(err, lock.ErrLockLost) {
			logger.Warn("lock release failed",
				logger.KeyUploadID, msg.UploadID,
				logger.KeyError, err)
		}
	}()

	upload, err := e.registry.GetByID(ctx, msg.UploadID)
	if err != nil {
		if errors.Is(err, models.ErrUploadNotFound) {
			e.ack(ctx, msg)
			return
		}
		logger.Error("failed to load upload", logger.KeyUploadID, msg.UploadID, logger.KeyError, err)
		return
	}
	if upload.Status.IsTerminal() {
		logger.Debug("upload already terminal, acking",
			logger.KeyUploadID, upload.ID,
			logger.KeyStatus, upload.Status)
		e.ack(ctx, msg)
		return
	}

	start := time.Now()
	spanCtx, span := telemetry.StartUploadSpan(ctx, telemetry.SpanProcessDelivery, upload.ID,
		telemetry.Attempt(msg.Attempt),
		telemetry.ResumeFrom(msg.ResumeFromLine))
	err = e.processDelivery(spanCtx, upload, msg, lease)
	if err != nil {
		telemetry.RecordError(spanCtx, err)
	}
	span.End()
	e.metrics.ObserveProcessing(time.Since(start))

	switch {
	case err == nil:
		e.ack(ctx, msg)

	case ctx.Err() != nil:
		// Shutdown mid-upload. Progress up to the last checkpoint is
		// durable; the message stays pending and resumes elsewhere.
		logger.Info("processing interrupted by shutdown",
			logger.KeyUploadID, upload.ID)

	case pipeline.IsTransient(err) && msg.Attempt+1 < e.config.MaxRetries:
		e.requeue(ctx, upload, msg, err)

	default:
		e.deadLetter(ctx, upload, msg, err)
	}
}

// processDelivery loads the blob and runs line processing for one
// delivery. Returns nil when the upload reached a terminal state.
func (e *Engine) processDelivery(ctx context.Context, upload *models.FileUpload, msg queue.Message, lease *lock.Lease) error {
	if err := e.registry.UpdateStatus(ctx, upload.ID, models.StatusProcessing, msg.Attempt); err != nil {
		return pipeline.Wrap(pipeline.KindTransientStorage, "failed to enter processing state", err)
	}

	content, err := e.readBlob(ctx, msg.StoragePath)
	if err != nil {
		return err
	}

	_, err = e.process(ctx, upload, content, msg.ResumeFromLine, lease)
	return err
}

// ProcessInline processes an upload synchronously from in-memory
// content. Used by the synchronous intake strategy and for degraded
// uploads whose blob never landed. Returns the number of lines
// persisted during this run.
func (e *Engine) ProcessInline(ctx context.Context, upload *models.FileUpload, content []byte) (int, error) {
	lease, err := e.locks.Acquire(ctx, lock.UploadLockName(upload.ID), e.config.ProcessingTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return 0, pipeline.E(pipeline.KindLockConflict, "upload is being processed elsewhere")
		}
		return 0, pipeline.Wrap(pipeline.KindTransientStorage, "failed to acquire upload lock", err)
	}
	defer e.locks.Release(ctx, lease) //nolint:errcheck

	if err := e.registry.UpdateStatus(ctx, upload.ID, models.StatusProcessing, 0); err != nil {
		return 0, pipeline.Wrap(pipeline.KindTransientStorage, "failed to enter processing state", err)
	}

	return e.process(ctx, upload, content, upload.ResumeFromLine(), lease)
}

// readBlob fetches the raw file. An empty path or missing object is a
// non-recoverable missing_blob failure.
func (e *Engine) readBlob(ctx context.Context, storagePath string) ([]byte, error) {
	if storagePath == "" {
		return nil, pipeline.E(pipeline.KindMissingBlob, "upload has no storage path")
	}

	rc, err := e.blobs.Get(ctx, e.config.Bucket, storagePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, pipeline.Wrap(pipeline.KindMissingBlob, "blob not found", err)
		}
		return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to open blob", err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, e.config.MaxBytes+1))
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to read blob", err)
	}
	if int64(len(content)) > e.config.MaxBytes {
		return nil, pipeline.E(pipeline.KindUnprocessable, fmt.Sprintf("blob exceeds %d bytes", e.config.MaxBytes))
	}
	return content, nil
}

// requeue schedules another attempt starting from the last durable
// checkpoint, then acks the original delivery.
func (e *Engine) requeue(ctx context.Context, upload *models.FileUpload, msg queue.Message, cause error) {
	current, err := e.registry.GetByID(ctx, upload.ID)
	if err != nil {
		logger.Error("failed to reload upload for requeue",
			logger.KeyUploadID, upload.ID,
			logger.KeyError, err)
		return
	}

	next := queue.Message{
		UploadID:       upload.ID,
		StoragePath:    msg.StoragePath,
		ResumeFromLine: current.ResumeFromLine(),
		Attempt:        msg.Attempt + 1,
	}
	if err := e.queue.Enqueue(ctx, next); err != nil {
		// Leave the original delivery pending; the reclaim scan will
		// retry it.
		logger.Error("requeue failed, leaving delivery pending",
			logger.KeyUploadID, upload.ID,
			logger.KeyError, err)
		return
	}

	logger.Warn("transient failure, upload requeued",
		logger.KeyUploadID, upload.ID,
		logger.KeyAttempt, next.Attempt,
		logger.KeyResumeFrom, next.ResumeFromLine,
		logger.KeyError, cause)
	e.ack(ctx, msg)
}

// deadLetter terminates the upload as Failed and records it on the DLQ.
func (e *Engine) deadLetter(ctx context.Context, upload *models.FileUpload, msg queue.Message, cause error) {
	kind := pipeline.KindOf(cause)
	reason := fmt.Sprintf("%s: %v", kind, cause)

	if err := e.queue.EnqueueDead(ctx, queue.DeadLetter{
		UploadID: upload.ID,
		Reason:   reason,
		Attempts: msg.Attempt + 1,
		FailedAt: time.Now().UTC(),
	}); err != nil {
		logger.Error("DLQ publish failed", logger.KeyUploadID, upload.ID, logger.KeyError, err)
	}
	e.metrics.RecordDeadLetter()

	if err := e.registry.MarkFailed(ctx, upload.ID, reason); err != nil {
		logger.Error("failed to mark upload failed",
			logger.KeyUploadID, upload.ID,
			logger.KeyError, err)
	}

	logger.Error("upload dead-lettered",
		logger.KeyUploadID, upload.ID,
		logger.KeyErrorKind, string(kind),
		logger.KeyAttempt, msg.Attempt+1,
		logger.KeyError, cause)
	e.ack(ctx, msg)
}

func (e *Engine) ack(ctx context.Context, msg queue.Message) {
	if msg.ID == "" {
		return
	}
	if err := e.queue.Ack(ctx, msg.ID); err != nil {
		logger.Warn("ack failed", logger.KeyMessageID, msg.ID, logger.KeyError, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
