package logger

import (
	"fmt"
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log
// aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Upload Lifecycle
	// ========================================================================
	KeyUploadID  = "upload_id"  // FileUpload identifier
	KeyFileName  = "file_name"  // Server-generated upload name
	KeyFileHash  = "file_hash"  // Whole-file content hash
	KeyFileSize  = "file_size"  // Upload size in bytes
	KeyStatus    = "status"     // Upload status (pending, processing, ...)
	KeyStorePath = "store_path" // Object-store key of the raw blob

	// ========================================================================
	// Line Processing
	// ========================================================================
	KeyLine       = "line"      // Zero-based line index
	KeyLineHash   = "line_hash" // Per-line idempotency key
	KeyTotalLines = "total_lines"
	KeyProcessed  = "processed"
	KeyFailed     = "failed"
	KeySkipped    = "skipped"
	KeyCheckpoint = "checkpoint" // Last checkpointed line index
	KeyResumeFrom = "resume_from"
	KeyOutcome    = "outcome" // Line outcome: processed, failed, skipped

	// ========================================================================
	// Queue & Lock
	// ========================================================================
	KeyStream     = "stream"      // Queue stream name
	KeyGroup      = "group"       // Consumer group name
	KeyConsumerID = "consumer_id" // Consumer identifier within the group
	KeyMessageID  = "message_id"  // Server-assigned queue message id
	KeyLockName   = "lock_name"   // Distributed lock name
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Object Storage
	// ========================================================================
	KeyBucket = "bucket" // S3 bucket name
	KeyKey    = "key"    // Object key
	KeyRegion = "region" // Cloud region

	// ========================================================================
	// Client Identification
	// ========================================================================
	KeyClientIP  = "client_ip"  // Client IP address
	KeyRequestID = "request_id" // HTTP request ID

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorKind  = "error_kind"  // Pipeline error kind
	KeyCount      = "count"       // Generic item count
	KeyComponent  = "component"   // Subsystem: ingest, engine, recovery, api
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// UploadID returns a slog.Attr for the FileUpload identifier
func UploadID(id string) slog.Attr {
	return slog.String(KeyUploadID, id)
}

// FileHash returns a slog.Attr for the whole-file content hash
func FileHash(hash string) slog.Attr {
	return slog.String(KeyFileHash, hash)
}

// FileSize returns a slog.Attr for the upload size in bytes
func FileSize(size int64) slog.Attr {
	return slog.Int64(KeyFileSize, size)
}

// Status returns a slog.Attr for the upload status
func Status(status fmt.Stringer) slog.Attr {
	return slog.String(KeyStatus, status.String())
}

// Line returns a slog.Attr for a zero-based line index
func Line(index int) slog.Attr {
	return slog.Int(KeyLine, index)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Stream returns a slog.Attr for a queue stream name
func Stream(name string) slog.Attr {
	return slog.String(KeyStream, name)
}

// LockName returns a slog.Attr for a distributed lock name
func LockName(name string) slog.Attr {
	return slog.String(KeyLockName, name)
}

// Bucket returns a slog.Attr for an S3 bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key
func Key(key string) slog.Attr {
	return slog.String(KeyKey, key)
}

// Err returns a slog.Attr for an error message
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}

// Component returns a slog.Attr naming the emitting subsystem
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}
