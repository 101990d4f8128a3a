// Package models defines the persistent entities of the CNAB ingestion
// pipeline: FileUpload (the aggregate root), Transaction and
// FileUploadLineHash. The registry package maps them with GORM.
package models

// AllModels returns every model for database auto-migration.
func AllModels() []any {
	return []any{
		&FileUpload{},
		&Transaction{},
		&FileUploadLineHash{},
	}
}
