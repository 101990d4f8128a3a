package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marmos91/cnabflow/pkg/models"
)

// ============================================
// LINE HASH OPERATIONS
// ============================================

// IsLineUnique reports whether no processed line with the given hash is
// recorded yet. Staged (uncommitted) hashes count as recorded so that
// duplicate lines inside one batch are caught before the flush.
func (r *GORMRegistry) IsLineUnique(ctx context.Context, lineHash string) (bool, error) {
	r.stagedMu.Lock()
	for _, batch := range r.staged {
		for i := range batch {
			if batch[i].LineHash == lineHash {
				r.stagedMu.Unlock()
				return false, nil
			}
		}
	}
	r.stagedMu.Unlock()

	var lh models.FileUploadLineHash
	err := r.db.WithContext(ctx).Where("line_hash = ?", lineHash).First(&lh).Error
	if err == nil {
		return false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	return false, fmt.Errorf("failed to check line hash uniqueness: %w", err)
}

// RecordLineHash stages a line fingerprint for the upload's next commit.
// Staging is in-memory only; durability comes from CommitLineHashes or
// CommitLineBatch.
func (r *GORMRegistry) RecordLineHash(uploadID, lineHash, lineContent string) {
	r.stagedMu.Lock()
	defer r.stagedMu.Unlock()
	r.staged[uploadID] = append(r.staged[uploadID], models.FileUploadLineHash{
		FileUploadID: uploadID,
		LineHash:     lineHash,
		LineContent:  lineContent,
	})
}

// StagedLineHashCount returns the number of staged, uncommitted hashes
// across all uploads.
func (r *GORMRegistry) StagedLineHashCount() int {
	r.stagedMu.Lock()
	defer r.stagedMu.Unlock()
	n := 0
	for _, batch := range r.staged {
		n += len(batch)
	}
	return n
}

// CommitLineHashes flushes every staged line hash in one transaction.
// Hashes already present (a resumed run re-staging committed lines) are
// skipped via the unique index rather than failing the batch.
func (r *GORMRegistry) CommitLineHashes(ctx context.Context) error {
	r.stagedMu.Lock()
	var all []models.FileUploadLineHash
	for _, batch := range r.staged {
		all = append(all, batch...)
	}
	r.staged = make(map[string][]models.FileUploadLineHash)
	r.stagedMu.Unlock()

	if len(all) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "line_hash"}},
			DoNothing: true,
		}).
		Create(&all).Error
	if err != nil {
		// Put the batch back so a retry can flush it.
		r.stagedMu.Lock()
		for i := range all {
			id := all[i].FileUploadID
			r.staged[id] = append(r.staged[id], all[i])
		}
		r.stagedMu.Unlock()
		return fmt.Errorf("failed to commit line hashes: %w", err)
	}
	return nil
}

// drainStaged removes and returns the upload's staged hashes. Callers
// must restore them on a failed flush.
func (r *GORMRegistry) drainStaged(uploadID string) []models.FileUploadLineHash {
	r.stagedMu.Lock()
	defer r.stagedMu.Unlock()
	batch := r.staged[uploadID]
	delete(r.staged, uploadID)
	return batch
}

func (r *GORMRegistry) restoreStaged(uploadID string, batch []models.FileUploadLineHash) {
	if len(batch) == 0 {
		return
	}
	r.stagedMu.Lock()
	defer r.stagedMu.Unlock()
	r.staged[uploadID] = append(batch, r.staged[uploadID]...)
}
