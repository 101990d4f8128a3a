package models

import (
	"time"
)

// FileUploadLineHash records the fingerprint of a successfully processed
// line. It short-circuits re-processing of identical raw lines, both
// across uploads and within a resumed run of the same upload.
type FileUploadLineHash struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	FileUploadID string `gorm:"not null;size:36;index" json:"file_upload_id"`

	// LineHash is the SHA-256 of the raw line bytes, hex encoded.
	LineHash string `gorm:"uniqueIndex;not null;size:64" json:"line_hash"`

	// LineContent keeps the raw line for auditing skipped duplicates.
	LineContent string `gorm:"size:255" json:"line_content"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for FileUploadLineHash.
func (FileUploadLineHash) TableName() string {
	return "file_upload_line_hashes"
}
