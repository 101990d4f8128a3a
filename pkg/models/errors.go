package models

import "errors"

// Domain errors returned by the upload registry. Callers match these
// with errors.Is.
var (
	// ErrUploadNotFound indicates the requested file upload does not exist.
	ErrUploadNotFound = errors.New("file upload not found")

	// ErrDuplicateUpload indicates a file upload with the same content
	// hash already exists.
	ErrDuplicateUpload = errors.New("file upload with this hash already exists")

	// ErrDuplicateLineHash indicates the line hash is already recorded.
	ErrDuplicateLineHash = errors.New("line hash already recorded")

	// ErrInvalidTransition indicates a status change that the upload
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid upload status transition")

	// ErrCheckpointRegression indicates an attempt to move checkpoint
	// counters backward.
	ErrCheckpointRegression = errors.New("checkpoint counters may not decrease")
)
