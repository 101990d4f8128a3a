// Package ingest implements the upload intake: validation, content
// hashing, deduplication, blob persistence, registry row creation and
// queue handoff. The HTTP layer unwraps the multipart envelope and hands
// the file part here.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/internal/telemetry"
	"github.com/marmos91/cnabflow/pkg/blob"
	"github.com/marmos91/cnabflow/pkg/hasher"
	"github.com/marmos91/cnabflow/pkg/metrics"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/pipeline"
	"github.com/marmos91/cnabflow/pkg/queue"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// Outcome classifies how an intake ended.
type Outcome string

const (
	// OutcomeAccepted means the upload was queued for background
	// processing.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeCompleted means the upload was processed inline
	// (synchronous strategy) and reached a terminal state.
	OutcomeCompleted Outcome = "completed"

	// OutcomeDuplicate means the file content was already known; no new
	// row was created.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is the intake response handed back to the HTTP layer.
type Result struct {
	Outcome Outcome
	Upload  *models.FileUpload

	// TransactionCount is the number of persisted transactions. Only
	// meaningful for OutcomeCompleted.
	TransactionCount int
}

// InlineProcessor processes an upload synchronously from in-memory
// content, bypassing the queue. The processing engine implements it.
type InlineProcessor interface {
	ProcessInline(ctx context.Context, upload *models.FileUpload, content []byte) (int, error)
}

// Config tunes the intake.
type Config struct {
	// Bucket is the object-store bucket raw uploads are written to.
	Bucket string

	// MaxBytes is the upload size limit. Zero means 1 MiB.
	MaxBytes int64

	// Async selects the queue-backed strategy. When false every upload
	// is processed inline before the response is written.
	Async bool
}

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 1 << 20

// Front validates and admits CNAB uploads into the pipeline.
type Front struct {
	config    Config
	registry  *registry.GORMRegistry
	blobs     blob.Store
	queue     queue.Queue
	processor InlineProcessor
	metrics   *metrics.PipelineMetrics
}

// New creates an ingestion front. processor may be nil when Async is
// true and the blob store is expected to be healthy; it is required for
// the synchronous strategy.
func New(config Config, reg *registry.GORMRegistry, blobs blob.Store, q queue.Queue, processor InlineProcessor, m *metrics.PipelineMetrics) *Front {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	return &Front{
		config:    config,
		registry:  reg,
		blobs:     blobs,
		queue:     q,
		processor: processor,
		metrics:   m,
	}
}

// Ingest admits one uploaded file. fileName is the client-supplied name,
// used only for extension validation; the persisted name is generated
// from the upload timestamp.
//
// Validation failures return a *pipeline.Error and write no state.
func (f *Front) Ingest(ctx context.Context, fileName string, r io.Reader) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanIngest)
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.FileName(fileName))

	if strings.TrimSpace(fileName) == "" {
		return nil, pipeline.E(pipeline.KindBadRequest, "missing file name")
	}
	if !strings.EqualFold(filepath.Ext(fileName), ".txt") {
		return nil, pipeline.E(pipeline.KindUnsupportedMedia, "only .txt files are accepted")
	}

	content, err := readBounded(r, f.config.MaxBytes)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, pipeline.E(pipeline.KindBadRequest, "file is empty")
	}

	fileHash := hasher.File(content)
	telemetry.SetAttributes(ctx,
		telemetry.FileHash(fileHash),
		telemetry.FileSize(int64(len(content))))

	unique, existing, err := f.registry.IsFileUnique(ctx, fileHash)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to check for duplicate upload", err)
	}
	if !unique {
		logger.Info("duplicate upload rejected",
			logger.KeyFileHash, fileHash,
			logger.KeyUploadID, existing.ID)
		f.metrics.RecordUpload("duplicate")
		return &Result{Outcome: OutcomeDuplicate, Upload: existing}, nil
	}

	generatedName := time.Now().UTC().Format("20060102150405")

	// Blob write failure is not fatal: the upload degrades to an empty
	// storage path and the strategy below decides what that means.
	storagePath := "uploads/" + fileHash + ".txt"
	if err := f.blobs.Put(ctx, f.config.Bucket, storagePath, bytes.NewReader(content), int64(len(content))); err != nil {
		logger.Warn("blob write failed, continuing degraded",
			logger.KeyFileHash, fileHash,
			logger.KeyError, err)
		storagePath = ""
	}

	upload, err := f.registry.CreatePending(ctx, generatedName, fileHash, int64(len(content)), storagePath)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateUpload) {
			// Lost a creation race; report the winner.
			_, existing, lookupErr := f.registry.IsFileUnique(ctx, fileHash)
			if lookupErr != nil || existing == nil {
				return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to resolve duplicate upload", lookupErr)
			}
			f.metrics.RecordUpload("duplicate")
			return &Result{Outcome: OutcomeDuplicate, Upload: existing}, nil
		}
		return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to register upload", err)
	}

	if f.config.Async && storagePath != "" {
		return f.enqueue(ctx, upload)
	}
	return f.processInline(ctx, upload, content)
}

// enqueue hands the upload to the background queue. An enqueue failure
// after the row is committed is not surfaced to the client: the recovery
// loop re-enqueues pending uploads within one cycle.
func (f *Front) enqueue(ctx context.Context, upload *models.FileUpload) (*Result, error) {
	msg := queue.Message{
		UploadID:       upload.ID,
		StoragePath:    upload.StoragePath,
		ResumeFromLine: 0,
		Attempt:        0,
	}
	if err := f.queue.Enqueue(ctx, msg); err != nil {
		logger.Error("enqueue failed, recovery loop will pick the upload up",
			logger.KeyUploadID, upload.ID,
			logger.KeyError, err)
	} else {
		logger.Info("upload queued",
			logger.KeyUploadID, upload.ID,
			logger.KeyFileSize, upload.FileSize)
	}
	f.metrics.RecordUpload("accepted")
	return &Result{Outcome: OutcomeAccepted, Upload: upload}, nil
}

// processInline runs the engine synchronously over the buffered content.
// Used by the synchronous strategy and for degraded uploads that never
// reached the blob store.
func (f *Front) processInline(ctx context.Context, upload *models.FileUpload, content []byte) (*Result, error) {
	if f.processor == nil {
		return nil, pipeline.E(pipeline.KindInternal, "synchronous processing is not configured")
	}

	count, err := f.processor.ProcessInline(ctx, upload, content)
	if err != nil {
		return nil, err
	}

	finalised, err := f.registry.GetByID(ctx, upload.ID)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindTransientStorage, "failed to load processed upload", err)
	}

	f.metrics.RecordUpload("success")
	return &Result{
		Outcome:          OutcomeCompleted,
		Upload:           finalised,
		TransactionCount: count,
	}, nil
}

// readBounded buffers the reader, rejecting payloads over limit bytes.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindBadRequest, "failed to read upload body", err)
	}
	if int64(len(content)) > limit {
		return nil, pipeline.E(pipeline.KindPayloadTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
	}
	return content, nil
}
