package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marmos91/cnabflow/pkg/models"
)

// ============================================
// FILE UPLOAD OPERATIONS
// ============================================

// IsFileUnique reports whether no upload with the given content hash
// exists yet. When one does, the existing row is returned so the caller
// can reference it in the duplicate response.
func (r *GORMRegistry) IsFileUnique(ctx context.Context, fileHash string) (bool, *models.FileUpload, error) {
	var existing models.FileUpload
	err := r.db.WithContext(ctx).Where("file_hash = ?", fileHash).First(&existing).Error
	if err == nil {
		return false, &existing, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("failed to check file hash uniqueness: %w", err)
}

// CreatePending registers a new upload in Pending state.
// A concurrent upload of the same content loses the race on the unique
// file_hash index and gets models.ErrDuplicateUpload.
func (r *GORMRegistry) CreatePending(ctx context.Context, fileName, fileHash string, fileSize int64, storagePath string) (*models.FileUpload, error) {
	upload := &models.FileUpload{
		ID:                 uuid.New().String(),
		FileName:           fileName,
		FileHash:           fileHash,
		FileSize:           fileSize,
		StoragePath:        storagePath,
		Status:             models.StatusPending,
		LastCheckpointLine: -1,
		UploadedAt:         time.Now().UTC(),
	}

	if err := r.db.WithContext(ctx).Create(upload).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, models.ErrDuplicateUpload
		}
		return nil, fmt.Errorf("failed to create pending upload: %w", err)
	}
	return upload, nil
}

// CreateFailed registers an upload directly in Failed state. Used when
// the pipeline refuses the file after persisting enough metadata to audit.
func (r *GORMRegistry) CreateFailed(ctx context.Context, fileName, fileHash string, fileSize int64, errorMessage string) (*models.FileUpload, error) {
	now := time.Now().UTC()
	upload := &models.FileUpload{
		ID:                    uuid.New().String(),
		FileName:              fileName,
		FileHash:              fileHash,
		FileSize:              fileSize,
		Status:                models.StatusFailed,
		LastCheckpointLine:    -1,
		UploadedAt:            now,
		ProcessingCompletedAt: &now,
		ErrorMessage:          errorMessage,
	}

	if err := r.db.WithContext(ctx).Create(upload).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, models.ErrDuplicateUpload
		}
		return nil, fmt.Errorf("failed to create failed upload: %w", err)
	}
	return upload, nil
}

// GetByID returns the upload with the given id.
func (r *GORMRegistry) GetByID(ctx context.Context, id string) (*models.FileUpload, error) {
	var upload models.FileUpload
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&upload).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrUploadNotFound)
	}
	return &upload, nil
}

// List returns one page of uploads, newest first, optionally filtered by
// status, along with the total row count for the filter.
func (r *GORMRegistry) List(ctx context.Context, page, pageSize int, status models.UploadStatus) ([]*models.FileUpload, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	q := r.db.WithContext(ctx).Model(&models.FileUpload{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count uploads: %w", err)
	}

	var uploads []*models.FileUpload
	err := q.Order("uploaded_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&uploads).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list uploads: %w", err)
	}
	return uploads, total, nil
}

// SetTotalLineCount records the file's line count. Set once, before
// line processing begins; later calls with the same value are no-ops.
func (r *GORMRegistry) SetTotalLineCount(ctx context.Context, id string, n int) error {
	result := r.db.WithContext(ctx).
		Model(&models.FileUpload{}).
		Where("id = ?", id).
		Update("total_line_count", n)
	if result.Error != nil {
		return fmt.Errorf("failed to set total line count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrUploadNotFound
	}
	return nil
}

// UpdateStatus moves the upload to newStatus, enforcing the state
// machine. retryCount < 0 leaves the stored retry count untouched.
// Entering Processing stamps processingStartedAt on the first attempt.
func (r *GORMRegistry) UpdateStatus(ctx context.Context, id string, newStatus models.UploadStatus, retryCount int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upload models.FileUpload
		if err := tx.Where("id = ?", id).First(&upload).Error; err != nil {
			return convertNotFoundError(err, models.ErrUploadNotFound)
		}

		if upload.Status != newStatus && !upload.Status.CanTransitionTo(newStatus) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, upload.Status, newStatus)
		}

		updates := map[string]any{"status": newStatus}
		if retryCount >= 0 {
			updates["retry_count"] = retryCount
		}
		if newStatus == models.StatusProcessing && upload.ProcessingStartedAt == nil {
			updates["processing_started_at"] = time.Now().UTC()
		}
		if newStatus.IsTerminal() && upload.ProcessingCompletedAt == nil {
			updates["processing_completed_at"] = time.Now().UTC()
		}

		return tx.Model(&upload).Updates(updates).Error
	})
}

// MarkFailed moves the upload to Failed and records the reason.
func (r *GORMRegistry) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upload models.FileUpload
		if err := tx.Where("id = ?", id).First(&upload).Error; err != nil {
			return convertNotFoundError(err, models.ErrUploadNotFound)
		}
		if upload.Status != models.StatusFailed && !upload.Status.CanTransitionTo(models.StatusFailed) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, upload.Status, models.StatusFailed)
		}

		now := time.Now().UTC()
		return tx.Model(&upload).Updates(map[string]any{
			"status":                  models.StatusFailed,
			"error_message":           errorMessage,
			"processing_completed_at": &now,
		}).Error
	})
}

// Checkpoint is one durable progress record for an upload.
type Checkpoint struct {
	// LastLine is the zero-based index of the last fully processed
	// line, inclusive.
	LastLine int

	// Cumulative counters for the whole upload, not deltas.
	Processed int
	Failed    int
	Skipped   int
}

// UpdateCheckpoint writes a checkpoint. Counters and the checkpoint line
// are monotonic: an update that would move any of them backward returns
// models.ErrCheckpointRegression and changes nothing.
func (r *GORMRegistry) UpdateCheckpoint(ctx context.Context, id string, cp Checkpoint) error {
	result := r.db.WithContext(ctx).
		Model(&models.FileUpload{}).
		Where("id = ?", id).
		Where("processed_line_count <= ?", cp.Processed).
		Where("failed_line_count <= ?", cp.Failed).
		Where("skipped_line_count <= ?", cp.Skipped).
		Where("last_checkpoint_line <= ?", cp.LastLine).
		Updates(map[string]any{
			"processed_line_count": cp.Processed,
			"failed_line_count":    cp.Failed,
			"skipped_line_count":   cp.Skipped,
			"last_checkpoint_line": cp.LastLine,
			"last_checkpoint_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update checkpoint: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the row is gone or the checkpoint would regress.
		var upload models.FileUpload
		if err := r.db.WithContext(ctx).Where("id = ?", id).First(&upload).Error; err != nil {
			return convertNotFoundError(err, models.ErrUploadNotFound)
		}
		return models.ErrCheckpointRegression
	}
	return nil
}

// FinaliseResult resolves the upload's terminal state from its cumulative
// counters:
//
//	attempted < total            -> stays Processing (partial progress)
//	attempted >= total, failed 0 -> Success
//	attempted >= total, failed >0 -> PartiallyCompleted
//
// When all lines are accounted for, the checkpoint line is pinned to
// attempted-1.
func (r *GORMRegistry) FinaliseResult(ctx context.Context, id string, processed, failed, skipped int) (*models.FileUpload, error) {
	var finalised *models.FileUpload
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upload models.FileUpload
		if err := tx.Where("id = ?", id).First(&upload).Error; err != nil {
			return convertNotFoundError(err, models.ErrUploadNotFound)
		}

		attempted := processed + failed + skipped
		updates := map[string]any{
			"processed_line_count": processed,
			"failed_line_count":    failed,
			"skipped_line_count":   skipped,
		}

		if attempted >= upload.TotalLineCount {
			status := models.StatusSuccess
			if failed > 0 {
				status = models.StatusPartiallyCompleted
			}
			if upload.Status != status && !upload.Status.CanTransitionTo(status) {
				return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, upload.Status, status)
			}
			now := time.Now().UTC()
			updates["status"] = status
			updates["last_checkpoint_line"] = attempted - 1
			updates["last_checkpoint_at"] = now
			updates["processing_completed_at"] = &now
		}

		if err := tx.Model(&upload).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to finalise upload: %w", err)
		}
		finalised = &upload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, finalised.ID)
}

// FindStuck returns non-terminal uploads whose most recent progress
// timestamp (checkpoint, processing start, or upload time) is older than
// timeout.
func (r *GORMRegistry) FindStuck(ctx context.Context, timeout time.Duration) ([]*models.FileUpload, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	var uploads []*models.FileUpload
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.UploadStatus{models.StatusPending, models.StatusProcessing}).
		Where("COALESCE(last_checkpoint_at, processing_started_at, uploaded_at) < ?", cutoff).
		Order("uploaded_at ASC").
		Find(&uploads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stuck uploads: %w", err)
	}
	return uploads, nil
}

// PurgeAll cascade-deletes every transaction, line hash and upload.
// Admin-only; blobs in object storage are left in place.
func (r *GORMRegistry) PurgeAll(ctx context.Context) error {
	r.stagedMu.Lock()
	r.staged = make(map[string][]models.FileUploadLineHash)
	r.stagedMu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Transaction{}).Error; err != nil {
			return fmt.Errorf("failed to purge transactions: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&models.FileUploadLineHash{}).Error; err != nil {
			return fmt.Errorf("failed to purge line hashes: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&models.FileUpload{}).Error; err != nil {
			return fmt.Errorf("failed to purge uploads: %w", err)
		}
		return nil
	})
}
