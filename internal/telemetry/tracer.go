package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for pipeline operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Pipeline-specific keys use "upload." and "line." prefixes.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// Upload attributes
	// ========================================================================
	AttrUploadID   = "upload.id"
	AttrFileName   = "upload.file_name"
	AttrFileHash   = "upload.file_hash"
	AttrFileSize   = "upload.file_size"
	AttrStatus     = "upload.status"
	AttrAttempt    = "upload.attempt"
	AttrResumeFrom = "upload.resume_from"

	// ========================================================================
	// Line processing attributes
	// ========================================================================
	AttrLineIndex = "line.index"
	AttrLineCount = "line.count"
	AttrProcessed = "line.processed"
	AttrFailed    = "line.failed"
	AttrSkipped   = "line.skipped"

	// ========================================================================
	// Queue attributes
	// ========================================================================
	AttrStream    = "queue.stream"
	AttrMessageID = "queue.message_id"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"

	// ========================================================================
	// Lock attributes
	// ========================================================================
	AttrLockName = "lock.name"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Intake
	SpanIngest = "ingest.upload"

	// Engine
	SpanProcessDelivery = "engine.process_delivery"
	SpanProcessInline   = "engine.process_inline"
	SpanChunk           = "engine.chunk"

	// Storage
	SpanBlobPut = "blob.put"
	SpanBlobGet = "blob.get"

	// Registry
	SpanBatchCommit = "registry.commit_batch"

	// Recovery
	SpanRecoveryScan = "recovery.scan"
	SpanResume       = "recovery.resume"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// UploadID returns an attribute for the upload identifier
func UploadID(id string) attribute.KeyValue {
	return attribute.String(AttrUploadID, id)
}

// FileName returns an attribute for the uploaded file name
func FileName(name string) attribute.KeyValue {
	return attribute.String(AttrFileName, name)
}

// FileHash returns an attribute for the whole-file SHA-256 digest
func FileHash(hash string) attribute.KeyValue {
	return attribute.String(AttrFileHash, hash)
}

// FileSize returns an attribute for the uploaded file size in bytes
func FileSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrFileSize, size)
}

// Status returns an attribute for the upload status
func Status(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, status)
}

// Attempt returns an attribute for the delivery attempt number
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// ResumeFrom returns an attribute for the line index processing resumes at
func ResumeFrom(line int) attribute.KeyValue {
	return attribute.Int(AttrResumeFrom, line)
}

// LineIndex returns an attribute for a zero-based line index
func LineIndex(index int) attribute.KeyValue {
	return attribute.Int(AttrLineIndex, index)
}

// LineCount returns an attribute for the total line count of a file
func LineCount(count int) attribute.KeyValue {
	return attribute.Int(AttrLineCount, count)
}

// Processed returns an attribute for the processed line counter
func Processed(n int) attribute.KeyValue {
	return attribute.Int(AttrProcessed, n)
}

// Failed returns an attribute for the failed line counter
func Failed(n int) attribute.KeyValue {
	return attribute.Int(AttrFailed, n)
}

// Skipped returns an attribute for the skipped line counter
func Skipped(n int) attribute.KeyValue {
	return attribute.Int(AttrSkipped, n)
}

// Stream returns an attribute for the queue stream name
func Stream(name string) attribute.KeyValue {
	return attribute.String(AttrStream, name)
}

// MessageID returns an attribute for the server-assigned message id
func MessageID(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// LockName returns an attribute for a distributed lock name
func LockName(name string) attribute.KeyValue {
	return attribute.String(AttrLockName, name)
}

// StartUploadSpan starts a span for an upload-scoped operation.
// This is a convenience function that sets common attributes.
func StartUploadSpan(ctx context.Context, name, uploadID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		UploadID(uploadID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartBlobSpan starts a span for an object store operation.
func StartBlobSpan(ctx context.Context, name, bucket, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Bucket(bucket),
		StorageKey(key),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
