// Package blob defines the object-store contract used to keep the raw
// uploaded CNAB files. The pipeline only needs durable put/get/delete by
// (bucket, key) plus bucket bootstrap; implementations live in the s3
// and memory subpackages.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is a durable blob store.
//
// Put returns only after the object is persisted. Delete is idempotent:
// deleting a missing object is not an error. Get returns ErrNotFound for
// missing objects; the returned stream may or may not be seekable and
// must be closed by the caller.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error

	// EnsureBucket creates the bucket if it does not exist. Called
	// asynchronously during service startup; failure degrades uploads
	// but must not prevent the service from starting.
	EnsureBucket(ctx context.Context, bucket string) error
}
