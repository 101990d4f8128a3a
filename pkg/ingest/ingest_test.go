package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	blobmemory "github.com/marmos91/cnabflow/pkg/blob/memory"
	"github.com/marmos91/cnabflow/pkg/cnab"
	"github.com/marmos91/cnabflow/pkg/engine"
	lockmemory "github.com/marmos91/cnabflow/pkg/lock/memory"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/pipeline"
	queuememory "github.com/marmos91/cnabflow/pkg/queue/memory"
	"github.com/marmos91/cnabflow/pkg/registry"
)

const testBucket = "cnab-uploads"

type testRig struct {
	front    *Front
	registry *registry.GORMRegistry
	blobs    *blobmemory.Store
	queue    *queuememory.Queue
}

func newTestRig(t *testing.T, async bool) *testRig {
	t.Helper()

	reg, err := registry.New(&registry.Config{
		Type:   registry.DatabaseTypeSQLite,
		SQLite: registry.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	blobs := blobmemory.New()
	q := queuememory.New()

	eng := engine.New(engine.Config{
		Bucket:             testBucket,
		ParallelWorkers:    2,
		CheckpointInterval: 2,
		RetryDelay:         time.Millisecond,
	}, reg, blobs, q, lockmemory.New(), nil)

	front := New(Config{
		Bucket:   testBucket,
		MaxBytes: 1024,
		Async:    async,
	}, reg, blobs, q, eng, nil)

	return &testRig{front: front, registry: reg, blobs: blobs, queue: q}
}

func sampleContent() []byte {
	line := cnab.FormatLine(cnab.Record{
		Type:        cnab.TypeDebit,
		Date:        time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
		Time:        15*time.Hour + 34*time.Minute + 53*time.Second,
		AmountCents: 14200,
		CPF:         "09620676017",
		Card:        "4753****3153",
		StoreOwner:  "JOAO MACEDO",
		StoreName:   "BAR DO JOAO",
	})
	return append(line, '\n')
}

func ingestKind(t *testing.T, err error) pipeline.Kind {
	t.Helper()
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected a pipeline error, got %v", err)
	}
	return pe.Kind
}

func TestIngestValidation(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	tests := []struct {
		name     string
		fileName string
		body     string
		want     pipeline.Kind
	}{
		{"missing file name", "  ", "content", pipeline.KindBadRequest},
		{"wrong extension", "cnab.csv", "content", pipeline.KindUnsupportedMedia},
		{"no extension", "cnab", "content", pipeline.KindUnsupportedMedia},
		{"empty body", "cnab.txt", "", pipeline.KindBadRequest},
		{"whitespace only", "cnab.txt", "   \n\t\n", pipeline.KindBadRequest},
		{"payload too large", "cnab.txt", strings.Repeat("x", 2048), pipeline.KindPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rig.front.Ingest(ctx, tt.fileName, strings.NewReader(tt.body))
			if got := ingestKind(t, err); got != tt.want {
				t.Errorf("expected kind %s, got %s", tt.want, got)
			}
		})
	}

	t.Run("rejections write no state", func(t *testing.T) {
		_, total, err := rig.registry.List(ctx, 1, 10, "")
		if err != nil {
			t.Fatalf("failed to list uploads: %v", err)
		}
		if total != 0 {
			t.Errorf("expected no uploads, got %d", total)
		}
		if rig.queue.ReadyCount() != 0 {
			t.Error("expected empty queue")
		}
	})

	t.Run("extension check is case-insensitive", func(t *testing.T) {
		res, err := rig.front.Ingest(ctx, "CNAB.TXT", bytes.NewReader(sampleContent()))
		if err != nil {
			t.Fatalf("expected uppercase .TXT to be accepted: %v", err)
		}
		if res.Outcome != OutcomeAccepted {
			t.Errorf("expected accepted, got %s", res.Outcome)
		}
	})
}

func TestIngestAsync(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	content := sampleContent()

	res, err := rig.front.Ingest(ctx, "cnab.txt", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Errorf("expected accepted, got %s", res.Outcome)
	}
	if res.Upload.Status != models.StatusPending {
		t.Errorf("expected pending upload, got %s", res.Upload.Status)
	}
	if res.Upload.StoragePath == "" {
		t.Error("expected a storage path")
	}
	if res.Upload.FileSize != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), res.Upload.FileSize)
	}

	// Generated name is a UTC timestamp, not the client filename.
	if res.Upload.FileName == "cnab.txt" || len(res.Upload.FileName) != 14 {
		t.Errorf("expected YYYYMMDDhhmmss name, got %q", res.Upload.FileName)
	}

	if rig.queue.ReadyCount() != 1 {
		t.Errorf("expected one queued message, got %d", rig.queue.ReadyCount())
	}

	rc, err := rig.blobs.Get(ctx, testBucket, res.Upload.StoragePath)
	if err != nil {
		t.Fatalf("expected blob to be stored: %v", err)
	}
	stored, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(stored, content) {
		t.Error("stored blob differs from upload content")
	}
}

func TestIngestDuplicate(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	content := sampleContent()

	first, err := rig.front.Ingest(ctx, "cnab.txt", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	second, err := rig.front.Ingest(ctx, "again.txt", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("duplicate ingest errored: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", second.Outcome)
	}
	if second.Upload.ID != first.Upload.ID {
		t.Error("expected the existing upload to be referenced")
	}

	_, total, _ := rig.registry.List(ctx, 1, 10, "")
	if total != 1 {
		t.Errorf("expected one upload row, got %d", total)
	}
	if rig.queue.ReadyCount() != 1 {
		t.Errorf("expected one queued message, got %d", rig.queue.ReadyCount())
	}
}

func TestIngestSynchronous(t *testing.T) {
	rig := newTestRig(t, false)
	ctx := context.Background()

	res, err := rig.front.Ingest(ctx, "cnab.txt", bytes.NewReader(sampleContent()))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("expected completed, got %s", res.Outcome)
	}
	if res.TransactionCount != 1 {
		t.Errorf("expected 1 transaction, got %d", res.TransactionCount)
	}
	if res.Upload.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s", res.Upload.Status)
	}
	if rig.queue.ReadyCount() != 0 {
		t.Error("synchronous ingest must not touch the queue")
	}
}

// failingStore refuses every write, simulating an unreachable blob store.
type failingStore struct {
	*blobmemory.Store
}

func (f *failingStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	return errors.New("connection refused")
}

func TestIngestDegradedBlobStore(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	reg := rig.registry
	eng := engine.New(engine.Config{
		Bucket:          testBucket,
		ParallelWorkers: 2,
		RetryDelay:      time.Millisecond,
	}, reg, blobmemory.New(), rig.queue, lockmemory.New(), nil)

	front := New(Config{Bucket: testBucket, MaxBytes: 1024, Async: true},
		reg, &failingStore{blobmemory.New()}, rig.queue, eng, nil)

	res, err := front.Ingest(ctx, "cnab.txt", bytes.NewReader(sampleContent()))
	if err != nil {
		t.Fatalf("degraded ingest failed: %v", err)
	}

	// With no blob to queue against, the upload is processed from the
	// in-memory buffer before responding.
	if res.Outcome != OutcomeCompleted {
		t.Errorf("expected completed, got %s", res.Outcome)
	}
	if res.Upload.StoragePath != "" {
		t.Errorf("expected empty storage path, got %q", res.Upload.StoragePath)
	}
	if res.Upload.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s", res.Upload.Status)
	}
	if rig.queue.ReadyCount() != 0 {
		t.Error("degraded upload must not be queued")
	}
}
