package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
)

func TestFile(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		content := []byte("cnab file content")
		if File(content) != File(content) {
			t.Error("same content must hash identically")
		}
	})

	t.Run("matches sha256 hex", func(t *testing.T) {
		content := []byte("hello")
		sum := sha256.Sum256(content)
		if got, want := File(content), hex.EncodeToString(sum[:]); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("distinct content differs", func(t *testing.T) {
		if File([]byte("a")) == File([]byte("b")) {
			t.Error("distinct content must hash differently")
		}
	})
}

func TestLine(t *testing.T) {
	t.Run("whitespace is significant", func(t *testing.T) {
		if Line([]byte("line")) == Line([]byte("line ")) {
			t.Error("trailing whitespace must change the line hash")
		}
	})

	t.Run("agrees with File on same bytes", func(t *testing.T) {
		b := []byte("identical bytes")
		if Line(b) != File(b) {
			t.Error("Line and File must agree on identical input")
		}
	})
}

func TestStream(t *testing.T) {
	t.Run("matches File", func(t *testing.T) {
		content := bytes.Repeat([]byte("0123456789"), 20000) // > one buffer
		got, err := Stream(bytes.NewReader(content))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := File(content); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("rewinds seekable streams", func(t *testing.T) {
		content := []byte("rewind me")
		r := bytes.NewReader(content)
		if _, err := Stream(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		rest, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(rest, content) {
			t.Errorf("stream not rewound, read %q", rest)
		}
	})

	t.Run("accepts non-seekable readers", func(t *testing.T) {
		content := "no seeking here"
		got, err := Stream(io.NopCloser(strings.NewReader(content)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := File([]byte(content)); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})
}
