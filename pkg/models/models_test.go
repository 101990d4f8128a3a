package models

import (
	"testing"
	"time"
)

func TestUploadStatus(t *testing.T) {
	t.Run("validity", func(t *testing.T) {
		valid := []UploadStatus{
			StatusPending, StatusProcessing, StatusSuccess,
			StatusFailed, StatusDuplicate, StatusPartiallyCompleted,
		}
		for _, s := range valid {
			if !s.IsValid() {
				t.Errorf("%s should be valid", s)
			}
		}
		if UploadStatus("bogus").IsValid() {
			t.Error("bogus should be invalid")
		}
	})

	t.Run("terminal states", func(t *testing.T) {
		terminal := map[UploadStatus]bool{
			StatusPending:            false,
			StatusProcessing:         false,
			StatusSuccess:            true,
			StatusFailed:             true,
			StatusDuplicate:          true,
			StatusPartiallyCompleted: true,
		}
		for s, want := range terminal {
			if s.IsTerminal() != want {
				t.Errorf("%s terminal = %v, want %v", s, s.IsTerminal(), want)
			}
		}
	})

	t.Run("transitions", func(t *testing.T) {
		allowed := []struct{ from, to UploadStatus }{
			{StatusPending, StatusProcessing},
			{StatusPending, StatusFailed},
			{StatusProcessing, StatusProcessing},
			{StatusProcessing, StatusSuccess},
			{StatusProcessing, StatusFailed},
			{StatusProcessing, StatusPartiallyCompleted},
		}
		for _, c := range allowed {
			if !c.from.CanTransitionTo(c.to) {
				t.Errorf("%s -> %s should be allowed", c.from, c.to)
			}
		}

		denied := []struct{ from, to UploadStatus }{
			{StatusPending, StatusSuccess},
			{StatusPending, StatusPartiallyCompleted},
			{StatusSuccess, StatusProcessing},
			{StatusFailed, StatusProcessing},
			{StatusDuplicate, StatusProcessing},
			{StatusPartiallyCompleted, StatusProcessing},
			{StatusProcessing, StatusPending},
			{StatusProcessing, StatusDuplicate},
		}
		for _, c := range denied {
			if c.from.CanTransitionTo(c.to) {
				t.Errorf("%s -> %s should be denied", c.from, c.to)
			}
		}
	})
}

func TestFileUploadHelpers(t *testing.T) {
	u := &FileUpload{
		TotalLineCount:     200,
		ProcessedLineCount: 110,
		FailedLineCount:    5,
		SkippedLineCount:   5,
		LastCheckpointLine: 119,
	}

	if got := u.AttemptedLineCount(); got != 120 {
		t.Errorf("attempted = %d, want 120", got)
	}
	if got := u.ProgressPercentage(); got != 60 {
		t.Errorf("progress = %v, want 60", got)
	}
	if got := u.ResumeFromLine(); got != 120 {
		t.Errorf("resume from = %d, want 120", got)
	}

	fresh := &FileUpload{LastCheckpointLine: -1}
	if got := fresh.ProgressPercentage(); got != 0 {
		t.Errorf("progress with unknown total = %v, want 0", got)
	}
	if got := fresh.ResumeFromLine(); got != 0 {
		t.Errorf("fresh resume from = %d, want 0", got)
	}
}

func TestTransactionAmount(t *testing.T) {
	tx := &Transaction{AmountCents: 14200, TransactionTime: 15 * time.Hour}
	if tx.Amount() != 142.00 {
		t.Errorf("amount = %v, want 142.00", tx.Amount())
	}
}
