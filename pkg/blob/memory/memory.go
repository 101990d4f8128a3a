// Package memory provides an in-memory blob.Store used by tests and the
// synchronous test profile.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/cnabflow/pkg/blob"
)

// Store is an in-memory blob store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates an empty in-memory blob store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// Put stores a copy of the stream content.
func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(bucket, key)] = data
	return nil
}

// Get returns a seekable reader over a copy of the stored content.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[objectKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the object; deleting a missing object succeeds.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(bucket, key))
	return nil
}

// EnsureBucket is a no-op for the in-memory store.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

// Len returns the number of stored objects (test helper).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
