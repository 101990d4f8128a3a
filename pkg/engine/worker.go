package engine

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/cnab"
	"github.com/marmos91/cnabflow/pkg/hasher"
	"github.com/marmos91/cnabflow/pkg/lock"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/pipeline"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// lineOutcome is one worker's verdict on one line.
type lineOutcome int

const (
	outcomeProcessed lineOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// lineResult pairs an outcome with the transaction it produced, if any.
type lineResult struct {
	outcome lineOutcome
	tx      *models.Transaction
}

// chunkResult aggregates one checkpoint interval worth of lines.
type chunkResult struct {
	txs       []*models.Transaction
	processed int
	failed    int
	skipped   int
}

// process runs the blob content through the line workers from
// resumeFrom, flushing a batch and writing a checkpoint every
// CheckpointInterval lines. Returns the number of lines persisted during
// this run.
//
// Counters are cumulative across runs: a resumed run continues from the
// stored values and never re-counts lines below resumeFrom.
func (e *Engine) process(ctx context.Context, upload *models.FileUpload, content []byte, resumeFrom int, lease *lock.Lease) (int, error) {
	lines := splitLines(content)
	total := len(lines)

	if err := e.registry.SetTotalLineCount(ctx, upload.ID, total); err != nil {
		return 0, pipeline.Wrap(pipeline.KindTransientStorage, "failed to record line count", err)
	}

	current, err := e.registry.GetByID(ctx, upload.ID)
	if err != nil {
		return 0, pipeline.Wrap(pipeline.KindTransientStorage, "failed to load upload counters", err)
	}
	processed := current.ProcessedLineCount
	failed := current.FailedLineCount
	skipped := current.SkippedLineCount

	// The delivery offset can be stale: a reclaimed message still carries
	// the offset it was enqueued with, which may predate checkpoints
	// written by the crashed run. The stored checkpoint wins so lines are
	// never re-walked and re-counted.
	if cp := current.ResumeFromLine(); cp > resumeFrom {
		logger.Info("delivery offset behind checkpoint, clamping",
			logger.KeyUploadID, upload.ID,
			logger.KeyResumeFrom, resumeFrom,
			logger.KeyCheckpoint, current.LastCheckpointLine)
		resumeFrom = cp
	}

	if resumeFrom > 0 {
		logger.Info("resuming from checkpoint",
			logger.KeyUploadID, upload.ID,
			logger.KeyResumeFrom, resumeFrom,
			logger.KeyTotalLines, total)
	}

	persistedRun := 0
	for start := resumeFrom; start < total; start += e.config.CheckpointInterval {
		if err := ctx.Err(); err != nil {
			return persistedRun, pipeline.Wrap(pipeline.KindTransientStorage, "processing cancelled", err)
		}

		end := start + e.config.CheckpointInterval
		if end > total {
			end = total
		}

		chunk := e.runChunk(ctx, upload.ID, lines[start:end], start)
		processed += chunk.processed
		failed += chunk.failed
		skipped += chunk.skipped
		persistedRun += chunk.processed

		cp := registry.Checkpoint{
			LastLine:  end - 1,
			Processed: processed,
			Failed:    failed,
			Skipped:   skipped,
		}
		if _, err := e.registry.CommitLineBatch(ctx, upload.ID, chunk.txs, cp); err != nil {
			return persistedRun, pipeline.Wrap(pipeline.KindTransientStorage, "failed to flush line batch", err)
		}

		e.metrics.RecordLines("processed", chunk.processed)
		e.metrics.RecordLines("failed", chunk.failed)
		e.metrics.RecordLines("skipped", chunk.skipped)

		if err := e.renew(ctx, lease); err != nil {
			return persistedRun, err
		}
	}

	if total > 0 && processed == 0 && skipped == 0 && failed >= total {
		perr := pipeline.E(pipeline.KindUnprocessable, "no line could be parsed")
		if err := e.registry.MarkFailed(ctx, upload.ID, perr.Error()); err != nil {
			logger.Error("failed to mark unprocessable upload failed",
				logger.KeyUploadID, upload.ID,
				logger.KeyError, err)
		}
		return 0, perr
	}

	finalised, err := e.registry.FinaliseResult(ctx, upload.ID, processed, failed, skipped)
	if err != nil {
		return persistedRun, pipeline.Wrap(pipeline.KindTransientStorage, "failed to finalise upload", err)
	}

	logger.Info("upload processed",
		logger.KeyUploadID, upload.ID,
		logger.KeyStatus, finalised.Status,
		logger.KeyProcessed, processed,
		logger.KeyFailed, failed,
		logger.KeySkipped, skipped)
	return persistedRun, nil
}

// runChunk dispatches one checkpoint interval of lines to the worker
// pool. Lines are dispatched in file order but complete in any order;
// per-line idempotency keys make that safe.
func (e *Engine) runChunk(ctx context.Context, uploadID string, lines [][]byte, base int) chunkResult {
	results := make([]lineResult, len(lines))

	sem := make(chan struct{}, e.config.ParallelWorkers)
	var wg sync.WaitGroup
	for i := range lines {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.processLine(ctx, uploadID, lines[i], base+i)
		}(i)
	}
	wg.Wait()

	var chunk chunkResult
	for _, res := range results {
		switch res.outcome {
		case outcomeProcessed:
			chunk.processed++
			chunk.txs = append(chunk.txs, res.tx)
		case outcomeFailed:
			chunk.failed++
		case outcomeSkipped:
			chunk.skipped++
		}
	}
	return chunk
}

// processLine is the LineWorker: hash, dedup, parse, stage.
//
// Per-line parse failures are tolerated; they count as failed without
// aborting the file. Transient registry errors are retried up to
// MaxRetryPerLine before the line counts as failed.
func (e *Engine) processLine(ctx context.Context, uploadID string, line []byte, index int) lineResult {
	lineHash := hasher.Line(line)

	unique, err := e.isLineUniqueRetry(ctx, lineHash)
	if err != nil {
		logger.Warn("line uniqueness check exhausted retries",
			logger.KeyUploadID, uploadID,
			logger.KeyLine, index,
			logger.KeyError, err)
		return lineResult{outcome: outcomeFailed}
	}
	if !unique {
		return lineResult{outcome: outcomeSkipped}
	}

	rec, err := cnab.ParseLine(line, index)
	if err != nil {
		logger.Debug("line parse failed",
			logger.KeyUploadID, uploadID,
			logger.KeyLine, index,
			logger.KeyError, err)
		return lineResult{outcome: outcomeFailed}
	}

	tx := &models.Transaction{
		ID:              uuid.New().String(),
		Type:            int(rec.Type),
		TransactionDate: rec.Date,
		TransactionTime: rec.Time,
		AmountCents:     rec.AmountCents,
		CPF:             rec.CPF,
		Card:            rec.Card,
		StoreOwner:      rec.StoreOwner,
		StoreName:       rec.StoreName,
		BankCode:        int(rec.Type),
		FileUploadID:    &uploadID,
		IdempotencyKey:  lineHash,
	}
	e.registry.RecordLineHash(uploadID, lineHash, string(line))

	return lineResult{outcome: outcomeProcessed, tx: tx}
}

// isLineUniqueRetry retries the uniqueness lookup on transient errors.
func (e *Engine) isLineUniqueRetry(ctx context.Context, lineHash string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetryPerLine; attempt++ {
		if attempt > 0 {
			sleepCtx(ctx, e.config.RetryDelay)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
		}
		unique, err := e.registry.IsLineUnique(ctx, lineHash)
		if err == nil {
			return unique, nil
		}
		lastErr = err
	}
	return false, lastErr
}

// renew extends the distributed lease at checkpoint boundaries. A lost
// lease aborts the run; progress up to the last checkpoint is durable
// and the retry resumes from there.
func (e *Engine) renew(ctx context.Context, lease *lock.Lease) error {
	if lease == nil {
		return nil
	}
	if err := e.locks.Renew(ctx, lease); err != nil {
		return pipeline.Wrap(pipeline.KindTransientStorage, "lock lease lost", err)
	}
	return nil
}

// splitLines splits content on LF or CRLF. A trailing terminator does
// not produce an empty final line.
func splitLines(content []byte) [][]byte {
	content = bytes.TrimSuffix(content, []byte("\n"))
	content = bytes.TrimSuffix(content, []byte("\r"))
	if len(content) == 0 {
		return nil
	}

	raw := bytes.Split(content, []byte("\n"))
	lines := make([][]byte, len(raw))
	for i, line := range raw {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}
