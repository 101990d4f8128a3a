package models

import (
	"time"
)

// UploadStatus represents the lifecycle state of a file upload.
type UploadStatus string

const (
	// StatusPending means the upload is registered and queued but not
	// yet picked up by the processing engine.
	StatusPending UploadStatus = "pending"

	// StatusProcessing means the engine holds (or held) the upload and
	// is working through its lines.
	StatusProcessing UploadStatus = "processing"

	// StatusSuccess means every line was processed and none failed.
	StatusSuccess UploadStatus = "success"

	// StatusFailed means the upload was aborted after exhausting
	// retries or hitting a non-recoverable error.
	StatusFailed UploadStatus = "failed"

	// StatusDuplicate means the file hash matched an existing upload.
	// Assigned only at creation time; such rows never enter processing.
	StatusDuplicate UploadStatus = "duplicate"

	// StatusPartiallyCompleted means all lines were attempted but at
	// least one failed to parse or persist.
	StatusPartiallyCompleted UploadStatus = "partially_completed"
)

// IsValid checks if the status is a known UploadStatus.
// String implements fmt.Stringer.
func (s UploadStatus) String() string {
	return string(s)
}

func (s UploadStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed,
		StatusDuplicate, StatusPartiallyCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
// Terminal rows are never mutated again except by the admin purge.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusDuplicate, StatusPartiallyCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from
// s to next.
//
//	Pending    -> Processing
//	Processing -> Processing (re-enqueue / retry attempt)
//	Processing -> Success | PartiallyCompleted | Failed
//	Pending    -> Failed (refused before processing started)
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		switch next {
		case StatusProcessing, StatusSuccess, StatusFailed, StatusPartiallyCompleted:
			return true
		}
	}
	return false
}

// FileUpload tracks one ingested CNAB file through the pipeline. It is
// the aggregate root: line hashes and transactions belong to it and are
// cascade-deleted by the admin purge.
type FileUpload struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// FileName is the server-generated upload timestamp (YYYYMMDDhhmmss).
	// The client's original filename is not persisted.
	FileName string `gorm:"not null;size:32" json:"file_name"`

	// FileHash is the SHA-256 of the whole file, hex encoded. Unique:
	// duplicate uploads never create a second row.
	FileHash string `gorm:"uniqueIndex;not null;size:64" json:"file_hash"`

	FileSize int64 `gorm:"not null" json:"file_size"`

	// StoragePath is the object-store key of the raw blob. Empty when
	// the blob store was unavailable at upload time (degraded mode).
	StoragePath string `gorm:"size:255" json:"storage_path"`

	Status UploadStatus `gorm:"not null;size:32;index" json:"status"`

	// TotalLineCount is set once, before line processing begins.
	TotalLineCount int `gorm:"default:0" json:"total_line_count"`

	ProcessedLineCount int `gorm:"default:0" json:"processed_line_count"`
	FailedLineCount    int `gorm:"default:0" json:"failed_line_count"`
	SkippedLineCount   int `gorm:"default:0" json:"skipped_line_count"`

	// LastCheckpointLine is the zero-based index of the last fully
	// processed line, inclusive. -1 until the first checkpoint, so
	// resumption always starts at LastCheckpointLine+1.
	LastCheckpointLine int        `gorm:"default:-1" json:"last_checkpoint_line"`
	LastCheckpointAt   *time.Time `json:"last_checkpoint_at,omitempty"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`

	UploadedAt time.Time `gorm:"autoCreateTime" json:"uploaded_at"`

	// RetryCount is the number of re-enqueues for this upload.
	RetryCount int `gorm:"default:0" json:"retry_count"`

	// ErrorMessage holds the last terminal-failure reason.
	ErrorMessage string `json:"error_message,omitempty"`
}

// TableName returns the table name for FileUpload.
func (FileUpload) TableName() string {
	return "file_uploads"
}

// AttemptedLineCount is the sum of processed, failed and skipped lines.
func (u *FileUpload) AttemptedLineCount() int {
	return u.ProcessedLineCount + u.FailedLineCount + u.SkippedLineCount
}

// ProgressPercentage returns 100*attempted/total, or 0 when the total is
// not yet known.
func (u *FileUpload) ProgressPercentage() float64 {
	if u.TotalLineCount <= 0 {
		return 0
	}
	return 100 * float64(u.AttemptedLineCount()) / float64(u.TotalLineCount)
}

// ResumeFromLine is the line index processing should restart from.
func (u *FileUpload) ResumeFromLine() int {
	return u.LastCheckpointLine + 1
}
