// Package recovery re-enqueues uploads that stalled mid-processing:
// crashed replicas, lost queue messages, enqueue failures after the
// registry row was committed. A periodic scan finds non-terminal uploads
// without recent progress and puts them back on the queue, resuming from
// their last checkpoint.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/metrics"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/queue"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// ErrUploadTerminal means the upload already reached a terminal state
// and cannot be resumed.
var ErrUploadTerminal = errors.New("recovery: upload is already terminal")

// ErrNoStoragePath means the upload has no blob to reprocess from.
var ErrNoStoragePath = errors.New("recovery: upload has no storage path")

// Config tunes the recovery loop.
type Config struct {
	// CheckInterval is the scan period.
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`

	// StuckTimeout is how long an upload may sit without progress
	// before it counts as stuck. Must exceed the lock TTL.
	StuckTimeout time.Duration `mapstructure:"stuck_timeout" yaml:"stuck_timeout"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 30 * time.Minute
	}
}

// ItemResult reports the outcome of one resume attempt.
type ItemResult struct {
	UploadID string `json:"upload_id"`
	Requeued bool   `json:"requeued"`
	Error    string `json:"error,omitempty"`
}

// Loop scans for stuck uploads and re-enqueues them.
type Loop struct {
	config   Config
	registry *registry.GORMRegistry
	queue    queue.Queue
	metrics  *metrics.PipelineMetrics
}

// New creates a recovery loop.
func New(config Config, reg *registry.GORMRegistry, q queue.Queue, m *metrics.PipelineMetrics) *Loop {
	config.ApplyDefaults()
	return &Loop{
		config:   config,
		registry: reg,
		queue:    q,
		metrics:  m,
	}
}

// Run ticks until ctx is cancelled. Per-upload failures are logged and
// never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	logger.Info("recovery loop started",
		"check_interval", l.config.CheckInterval,
		"stuck_timeout", l.config.StuckTimeout)

	ticker := time.NewTicker(l.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("recovery loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one scan. Panics are contained here: the loop must outlive
// any single bad row.
func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovery scan panicked", logger.KeyError, fmt.Sprint(r))
		}
	}()

	results, err := l.ResumeAll(ctx, l.config.StuckTimeout)
	if err != nil {
		logger.Error("recovery scan failed", logger.KeyError, err)
		return
	}
	for _, res := range results {
		if res.Error != "" {
			logger.Warn("stuck upload could not be resumed",
				logger.KeyUploadID, res.UploadID,
				logger.KeyError, res.Error)
		}
	}
}

// ResumeAll re-enqueues every upload stuck for longer than timeout and
// returns the per-upload outcome. Also backs the admin resume-all
// endpoint.
func (l *Loop) ResumeAll(ctx context.Context, timeout time.Duration) ([]ItemResult, error) {
	stuck, err := l.registry.FindStuck(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stuck uploads: %w", err)
	}

	results := make([]ItemResult, 0, len(stuck))
	for _, upload := range stuck {
		res := ItemResult{UploadID: upload.ID}
		if err := l.requeue(ctx, upload); err != nil {
			res.Error = err.Error()
		} else {
			res.Requeued = true
		}
		results = append(results, res)
	}

	if len(results) > 0 {
		logger.Info("recovery scan completed",
			logger.KeyCount, len(results))
	}
	return results, nil
}

// Resume re-enqueues a single upload by id. Idempotent: resuming an
// upload that is healthy but slow only causes a redundant delivery,
// which the per-upload lock and line idempotency absorb.
func (l *Loop) Resume(ctx context.Context, uploadID string) (*ItemResult, error) {
	upload, err := l.registry.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Status.IsTerminal() {
		return nil, ErrUploadTerminal
	}

	res := &ItemResult{UploadID: upload.ID}
	if err := l.requeue(ctx, upload); err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Requeued = true
	return res, nil
}

// requeue puts one upload back on the work queue, resuming from the
// line after its last checkpoint.
func (l *Loop) requeue(ctx context.Context, upload *models.FileUpload) error {
	if upload.StoragePath == "" {
		return ErrNoStoragePath
	}

	msg := queue.Message{
		UploadID:       upload.ID,
		StoragePath:    upload.StoragePath,
		ResumeFromLine: upload.ResumeFromLine(),
		Attempt:        upload.RetryCount + 1,
	}
	if err := l.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to re-enqueue upload: %w", err)
	}

	l.metrics.RecordRecoveryRequeue()
	logger.Info("stuck upload re-enqueued",
		logger.KeyUploadID, upload.ID,
		logger.KeyResumeFrom, msg.ResumeFromLine,
		logger.KeyAttempt, msg.Attempt)
	return nil
}
