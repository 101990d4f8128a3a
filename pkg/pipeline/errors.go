// Package pipeline defines the error taxonomy shared by the ingestion
// front, the processing engine and the HTTP layer. Errors are values
// tagged with a Kind; the API maps kinds to HTTP statuses and the engine
// uses them to decide between retry, DLQ and rejection.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindBadRequest covers empty bodies, missing filenames and
	// whitespace-only content. Rejected with no state written.
	KindBadRequest Kind = "bad_request"

	// KindUnsupportedMedia covers non-multipart requests and wrong
	// file extensions.
	KindUnsupportedMedia Kind = "unsupported_media_type"

	// KindPayloadTooLarge means the content exceeded the configured
	// upload size limit.
	KindPayloadTooLarge Kind = "payload_too_large"

	// KindDuplicate means the file hash is already known. Not an error
	// for the queue; the caller gets the existing upload id.
	KindDuplicate Kind = "duplicate"

	// KindUnprocessable means the file as a whole could not be parsed
	// (zero valid lines).
	KindUnprocessable Kind = "unprocessable_entity"

	// KindLineParse is a single-line parse failure. Counted, not fatal.
	KindLineParse Kind = "line_parse_error"

	// KindTransientStorage is a transient database, object-store or
	// queue fault. Retried with backoff until maxRetries, then DLQ.
	KindTransientStorage Kind = "transient_storage"

	// KindMissingBlob means the storage path is empty or the object is
	// gone. Non-recoverable: DLQ and Failed.
	KindMissingBlob Kind = "missing_blob"

	// KindLockConflict means another worker holds the per-upload lock.
	// The delivery is skipped; the pending reclaim retries it.
	KindLockConflict Kind = "lock_conflict"

	// KindInternal is an unclassified server-side failure.
	KindInternal Kind = "internal"
)

// Error is a pipeline failure tagged with its Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a pipeline error with a message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a pipeline error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried rather than
// dead-lettered.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientStorage
}
