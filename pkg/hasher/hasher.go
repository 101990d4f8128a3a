// Package hasher provides the content hashes used by the ingestion
// pipeline: a whole-file hash for upload deduplication and a per-line
// hash used as the idempotency key for transaction inserts.
//
// All hashes are SHA-256 encoded as lowercase hex. The encoding is fixed
// at build time; changing it would invalidate every stored fingerprint.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// streamBufferSize is the fixed read buffer for Stream. Memory usage is
// independent of the input size.
const streamBufferSize = 64 * 1024

// File returns the hash of the entire file content.
func File(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Line returns the hash of a single raw line, whitespace included.
func Line(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// Stream computes the hash of everything readable from r using a fixed
// buffer. If r is seekable the stream is rewound to offset 0 afterwards,
// so callers can hash and then persist the same stream.
func Stream(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, streamBufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}

	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to rewind stream after hashing: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
