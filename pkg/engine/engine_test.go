package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	blobmemory "github.com/marmos91/cnabflow/pkg/blob/memory"
	"github.com/marmos91/cnabflow/pkg/cnab"
	"github.com/marmos91/cnabflow/pkg/hasher"
	"github.com/marmos91/cnabflow/pkg/lock"
	lockmemory "github.com/marmos91/cnabflow/pkg/lock/memory"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/queue"
	queuememory "github.com/marmos91/cnabflow/pkg/queue/memory"
	"github.com/marmos91/cnabflow/pkg/registry"
)

const testBucket = "cnab-uploads"

type testRig struct {
	engine   *Engine
	registry *registry.GORMRegistry
	blobs    *blobmemory.Store
	queue    *queuememory.Queue
	locks    *lockmemory.Manager
}

func newTestRig(t *testing.T) *testRig {
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
	locks := lockmemory.New()

	eng := New(Config{
		Bucket:             testBucket,
		ConsumerID:         "test-worker",
		ParallelWorkers:    2,
		CheckpointInterval: 2,
		MaxRetryPerLine:    2,
		RetryDelay:         time.Millisecond,
		MaxRetries:         3,
		ProcessingTTL:      time.Minute,
		QueueBlock:         10 * time.Millisecond,
		QueueBatch:         10,
	}, reg, blobs, q, locks, nil)

	return &testRig{engine: eng, registry: reg, blobs: blobs, queue: q, locks: locks}
}

// cnabLine builds a canonical 80-byte line whose amount distinguishes it
// from its siblings.
func cnabLine(txType cnab.TransactionType, amountCents int64, day int) []byte {
	return cnab.FormatLine(cnab.Record{
		Type:        txType,
		Date:        time.Date(2019, 3, day, 0, 0, 0, 0, time.UTC),
		Time:        15*time.Hour + 34*time.Minute + 53*time.Second,
		AmountCents: amountCents,
		CPF:         "09620676017",
		Card:        "4753****3153",
		StoreOwner:  "JOAO MACEDO",
		StoreName:   "BAR DO JOAO",
	})
}

func cnabFile(lines ...[]byte) []byte {
	return append(bytes.Join(lines, []byte("\n")), '\n')
}

// seedUpload stores the blob and creates the pending registry row.
func (r *testRig) seedUpload(t *testing.T, content []byte) *models.FileUpload {
	t.Helper()
	ctx := context.Background()

	fileHash := hasher.File(content)
	storagePath := "uploads/" + fileHash + ".txt"
	if err := r.blobs.Put(ctx, testBucket, storagePath, bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("failed to store blob: %v", err)
	}

	upload, err := r.registry.CreatePending(ctx, "20190301120000", fileHash, int64(len(content)), storagePath)
	if err != nil {
		t.Fatalf("failed to create upload: %v", err)
	}
	return upload
}

// deliver enqueues and consumes one message so it carries a real id and
// sits in the pending set like a production delivery.
func (r *testRig) deliver(t *testing.T, msg queue.Message) queue.Message {
	t.Helper()
	ctx := context.Background()

	if err := r.queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	msgs, err := r.queue.Consume(ctx, "test-worker", 1, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("failed to consume: %v (%d messages)", err, len(msgs))
	}
	return msgs[0]
}

func TestHandleHappyPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	content := cnabFile(
		cnabLine(cnab.TypeDebit, 14200, 1),
		cnabLine(cnab.TypeBoleto, 5000, 1),
		cnabLine(cnab.TypeCredit, 10000, 2),
	)
	upload := rig.seedUpload(t, content)
	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})

	rig.engine.handle(ctx, msg)

	final, err := rig.registry.GetByID(ctx, upload.ID)
	if err != nil {
		t.Fatalf("failed to load upload: %v", err)
	}
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.TotalLineCount != 3 || final.ProcessedLineCount != 3 {
		t.Errorf("expected 3/3 lines, got %d/%d", final.ProcessedLineCount, final.TotalLineCount)
	}
	if final.LastCheckpointLine != 2 {
		t.Errorf("expected checkpoint at 2, got %d", final.LastCheckpointLine)
	}

	if n, _ := rig.registry.CountTransactions(ctx); n != 3 {
		t.Errorf("expected 3 transactions, got %d", n)
	}
	if rig.queue.PendingCount() != 0 {
		t.Error("expected delivery to be acked")
	}
}

func TestHandlePartialFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	bad := cnabLine(cnab.TypeDebit, 7700, 3)
	bad[0] = 'X'
	content := cnabFile(
		cnabLine(cnab.TypeDebit, 1100, 1),
		cnabLine(cnab.TypeDebit, 2200, 2),
		bad,
		cnabLine(cnab.TypeDebit, 4400, 4),
		cnabLine(cnab.TypeDebit, 5500, 5),
	)
	upload := rig.seedUpload(t, content)
	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})

	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusPartiallyCompleted {
		t.Errorf("expected partially_completed, got %s", final.Status)
	}
	if final.ProcessedLineCount != 4 || final.FailedLineCount != 1 {
		t.Errorf("expected 4 processed / 1 failed, got %d/%d", final.ProcessedLineCount, final.FailedLineCount)
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 4 {
		t.Errorf("expected 4 transactions, got %d", n)
	}
}

func TestHandleDuplicateLinesSkipped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	line := cnabLine(cnab.TypeDebit, 14200, 1)
	content := cnabFile(line, line)

	upload := rig.seedUpload(t, content)
	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})

	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s", final.Status)
	}
	if final.ProcessedLineCount != 1 || final.SkippedLineCount != 1 {
		t.Errorf("expected 1 processed / 1 skipped, got %d/%d", final.ProcessedLineCount, final.SkippedLineCount)
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 1 {
		t.Errorf("expected 1 transaction, got %d", n)
	}
}

func TestHandleResumeFromCheckpoint(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	lines := make([][]byte, 6)
	for i := range lines {
		lines[i] = cnabLine(cnab.TypeDebit, int64(1000*(i+1)), i+1)
	}
	content := cnabFile(lines...)
	upload := rig.seedUpload(t, content)

	// Simulate a crashed first run that checkpointed lines 0 and 1.
	if err := rig.registry.UpdateStatus(ctx, upload.ID, models.StatusProcessing, 0); err != nil {
		t.Fatalf("failed to start processing: %v", err)
	}
	if err := rig.registry.SetTotalLineCount(ctx, upload.ID, 6); err != nil {
		t.Fatalf("failed to set line count: %v", err)
	}
	for i := 0; i < 2; i++ {
		lineHash := hasher.Line(lines[i])
		rig.registry.RecordLineHash(upload.ID, lineHash, string(lines[i]))
		rec, err := cnab.ParseLine(lines[i], i)
		if err != nil {
			t.Fatalf("failed to parse seed line: %v", err)
		}
		tx := &models.Transaction{
			ID:              uuid.New().String(),
			Type:            int(rec.Type),
			TransactionDate: rec.Date,
			TransactionTime: rec.Time,
			AmountCents:     rec.AmountCents,
			CPF:             rec.CPF,
			Card:            rec.Card,
			StoreOwner:      rec.StoreOwner,
			StoreName:       rec.StoreName,
			BankCode:        int(rec.Type),
			FileUploadID:    &upload.ID,
			IdempotencyKey:  lineHash,
		}
		cp := registry.Checkpoint{LastLine: i, Processed: i + 1}
		if _, err := rig.registry.CommitLineBatch(ctx, upload.ID, []*models.Transaction{tx}, cp); err != nil {
			t.Fatalf("failed to seed checkpoint: %v", err)
		}
	}

	msg := rig.deliver(t, queue.Message{
		UploadID:       upload.ID,
		StoragePath:    upload.StoragePath,
		ResumeFromLine: 2,
		Attempt:        1,
	})
	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.ProcessedLineCount != 6 {
		t.Errorf("expected 6 processed after resume, got %d", final.ProcessedLineCount)
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 6 {
		t.Errorf("expected 6 transactions with no duplicates, got %d", n)
	}
}

// A reclaimed message still carries the offset it was enqueued with, so a
// crash after a checkpoint redelivers a stale ResumeFromLine. The stored
// checkpoint must win or the already-counted lines get re-walked and
// re-counted as skipped.
func TestHandleStaleDeliveryOffset(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	lines := make([][]byte, 6)
	for i := range lines {
		lines[i] = cnabLine(cnab.TypeDebit, int64(1000*(i+1)), i+1)
	}
	content := cnabFile(lines...)
	upload := rig.seedUpload(t, content)

	// Crashed first run: lines 0 and 1 checkpointed.
	if err := rig.registry.UpdateStatus(ctx, upload.ID, models.StatusProcessing, 0); err != nil {
		t.Fatalf("failed to start processing: %v", err)
	}
	if err := rig.registry.SetTotalLineCount(ctx, upload.ID, 6); err != nil {
		t.Fatalf("failed to set line count: %v", err)
	}
	for i := 0; i < 2; i++ {
		lineHash := hasher.Line(lines[i])
		rig.registry.RecordLineHash(upload.ID, lineHash, string(lines[i]))
		rec, err := cnab.ParseLine(lines[i], i)
		if err != nil {
			t.Fatalf("failed to parse seed line: %v", err)
		}
		tx := &models.Transaction{
			ID:              uuid.New().String(),
			Type:            int(rec.Type),
			TransactionDate: rec.Date,
			TransactionTime: rec.Time,
			AmountCents:     rec.AmountCents,
			CPF:             rec.CPF,
			Card:            rec.Card,
			StoreOwner:      rec.StoreOwner,
			StoreName:       rec.StoreName,
			BankCode:        int(rec.Type),
			FileUploadID:    &upload.ID,
			IdempotencyKey:  lineHash,
		}
		cp := registry.Checkpoint{LastLine: i, Processed: i + 1}
		if _, err := rig.registry.CommitLineBatch(ctx, upload.ID, []*models.Transaction{tx}, cp); err != nil {
			t.Fatalf("failed to seed checkpoint: %v", err)
		}
	}

	// The original enqueue, redelivered by the reclaim scan.
	msg := rig.deliver(t, queue.Message{
		UploadID:       upload.ID,
		StoragePath:    upload.StoragePath,
		ResumeFromLine: 0,
	})
	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.ProcessedLineCount != 6 || final.FailedLineCount != 0 || final.SkippedLineCount != 0 {
		t.Errorf("expected 6/0/0 counters, got %d/%d/%d",
			final.ProcessedLineCount, final.FailedLineCount, final.SkippedLineCount)
	}
	if sum := final.ProcessedLineCount + final.FailedLineCount + final.SkippedLineCount; sum > final.TotalLineCount {
		t.Errorf("counters sum to %d, beyond total %d", sum, final.TotalLineCount)
	}
	if final.LastCheckpointLine != 5 {
		t.Errorf("expected checkpoint at 5, got %d", final.LastCheckpointLine)
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 6 {
		t.Errorf("expected 6 transactions with no duplicates, got %d", n)
	}
}

func TestHandleMissingBlob(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	upload, err := rig.registry.CreatePending(ctx, "20190301120000", "hash-missing", 80, "uploads/gone.txt")
	if err != nil {
		t.Fatalf("failed to create upload: %v", err)
	}
	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})

	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "missing_blob") {
		t.Errorf("expected missing_blob in error message, got %q", final.ErrorMessage)
	}

	dead := rig.queue.DeadLetters()
	if len(dead) != 1 || dead[0].UploadID != upload.ID {
		t.Fatalf("expected one DLQ record for the upload, got %d", len(dead))
	}
	if rig.queue.PendingCount() != 0 {
		t.Error("expected delivery to be acked after dead-lettering")
	}
}

func TestHandleLockConflict(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	content := cnabFile(cnabLine(cnab.TypeDebit, 14200, 1))
	upload := rig.seedUpload(t, content)

	// Another worker holds the lock.
	lease, err := rig.locks.Acquire(ctx, lock.UploadLockName(upload.ID), time.Minute)
	if err != nil {
		t.Fatalf("failed to pre-acquire lock: %v", err)
	}
	defer rig.locks.Release(ctx, lease) //nolint:errcheck

	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})
	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusPending {
		t.Errorf("expected upload untouched, got %s", final.Status)
	}
	if rig.queue.PendingCount() != 1 {
		t.Error("expected delivery to stay pending for reclaim")
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 0 {
		t.Errorf("expected no transactions, got %d", n)
	}
}

func TestHandleTerminalUploadAcked(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	content := cnabFile(cnabLine(cnab.TypeDebit, 14200, 1))
	upload := rig.seedUpload(t, content)
	if err := rig.registry.UpdateStatus(ctx, upload.ID, models.StatusProcessing, 0); err != nil {
		t.Fatal(err)
	}
	if err := rig.registry.UpdateStatus(ctx, upload.ID, models.StatusSuccess, -1); err != nil {
		t.Fatal(err)
	}

	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})
	rig.engine.handle(ctx, msg)

	if rig.queue.PendingCount() != 0 {
		t.Error("expected redundant delivery to be acked")
	}
	if n, _ := rig.registry.CountTransactions(ctx); n != 0 {
		t.Errorf("expected no transactions, got %d", n)
	}
}

func TestHandleUnprocessableFile(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	content := []byte("not a cnab line\nanother bad line\n")
	upload := rig.seedUpload(t, content)
	msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})

	rig.engine.handle(ctx, msg)

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "unprocessable") {
		t.Errorf("expected unprocessable in error message, got %q", final.ErrorMessage)
	}
	if len(rig.queue.DeadLetters()) != 1 {
		t.Error("expected a DLQ record")
	}
}

func TestProcessInline(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	content := cnabFile(
		cnabLine(cnab.TypeDebit, 14200, 1),
		cnabLine(cnab.TypeBoleto, 5000, 1),
	)
	upload, err := rig.registry.CreatePending(ctx, "20190301120000", hasher.File(content), int64(len(content)), "")
	if err != nil {
		t.Fatalf("failed to create upload: %v", err)
	}

	count, err := rig.engine.ProcessInline(ctx, upload, content)
	if err != nil {
		t.Fatalf("inline processing failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 persisted lines, got %d", count)
	}

	final, _ := rig.registry.GetByID(ctx, upload.ID)
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success, got %s", final.Status)
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"lf terminated", "a\nb\nc\n", 3},
		{"no trailing terminator", "a\nb\nc", 3},
		{"crlf terminated", "a\r\nb\r\nc\r\n", 3},
		{"empty", "", 0},
		{"single line", "a", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitLines([]byte(tt.content))
			if len(got) != tt.want {
				t.Errorf("expected %d lines, got %d", tt.want, len(got))
			}
			for i, line := range got {
				if bytes.ContainsAny(line, "\r\n") {
					t.Errorf("line %d still carries a terminator: %q", i, line)
				}
			}
		})
	}
}

func TestParallelUploadsOfDistinctFiles(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var uploads []*models.FileUpload
	for i := 0; i < 2; i++ {
		content := cnabFile(
			cnabLine(cnab.TypeDebit, int64(10000+i), 1),
			cnabLine(cnab.TypeCredit, int64(20000+i), 2),
		)
		uploads = append(uploads, rig.seedUpload(t, content))
	}

	done := make(chan struct{}, len(uploads))
	for _, upload := range uploads {
		msg := rig.deliver(t, queue.Message{UploadID: upload.ID, StoragePath: upload.StoragePath})
		go func(msg queue.Message) {
			rig.engine.handle(ctx, msg)
			done <- struct{}{}
		}(msg)
	}
	for range uploads {
		<-done
	}

	for _, upload := range uploads {
		final, _ := rig.registry.GetByID(ctx, upload.ID)
		if final.Status != models.StatusSuccess {
			t.Errorf("upload %s: expected success, got %s", upload.ID, final.Status)
		}

		var n int64
		rig.registry.DB().Model(&models.Transaction{}).
			Where("file_upload_id = ?", upload.ID).Count(&n)
		if n != 2 {
			t.Errorf("upload %s: expected 2 transactions, got %d", upload.ID, n)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	if c.ParallelWorkers != 4 || c.CheckpointInterval != 100 {
		t.Errorf("unexpected defaults: workers=%d interval=%d", c.ParallelWorkers, c.CheckpointInterval)
	}
	if c.ConsumerID == "" {
		t.Error("expected a generated consumer id")
	}
	if c.ProcessingTTL <= c.QueueBlock {
		t.Errorf("lock TTL %v must exceed queue block %v", c.ProcessingTTL, c.QueueBlock)
	}
	if fmt.Sprintf("%d", c.MaxBytes) != "1048576" {
		t.Errorf("expected 1 MiB default, got %d", c.MaxBytes)
	}
}
