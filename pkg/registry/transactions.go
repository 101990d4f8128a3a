package registry

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marmos91/cnabflow/pkg/models"
)

// ============================================
// TRANSACTION OPERATIONS
// ============================================

// InsertTransactions persists a batch of parsed transactions. Rows whose
// idempotency key already exists are silently skipped, so a re-delivered
// or resumed batch cannot double-insert. Returns the number of rows
// actually written.
func (r *GORMRegistry) InsertTransactions(ctx context.Context, txs []*models.Transaction) (int64, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&txs)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert transactions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CommitLineBatch atomically persists one processed chunk: the parsed
// transactions, the staged line hashes and the checkpoint all land in a
// single database transaction. On failure nothing is written and the
// staged hashes are restored for a retry.
func (r *GORMRegistry) CommitLineBatch(ctx context.Context, uploadID string, txs []*models.Transaction, cp Checkpoint) (int64, error) {
	staged := r.drainStaged(uploadID)

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(txs) > 0 {
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "idempotency_key"}},
				DoNothing: true,
			}).Create(&txs)
			if result.Error != nil {
				return fmt.Errorf("failed to insert transactions: %w", result.Error)
			}
			inserted = result.RowsAffected
		}

		if len(staged) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "line_hash"}},
				DoNothing: true,
			}).Create(&staged).Error
			if err != nil {
				return fmt.Errorf("failed to commit line hashes: %w", err)
			}
		}

		result := tx.Model(&models.FileUpload{}).
			Where("id = ?", uploadID).
			Where("processed_line_count <= ?", cp.Processed).
			Where("failed_line_count <= ?", cp.Failed).
			Where("skipped_line_count <= ?", cp.Skipped).
			Where("last_checkpoint_line <= ?", cp.LastLine).
			Updates(map[string]any{
				"processed_line_count": cp.Processed,
				"failed_line_count":    cp.Failed,
				"skipped_line_count":   cp.Skipped,
				"last_checkpoint_line": cp.LastLine,
				"last_checkpoint_at":   gorm.Expr("CURRENT_TIMESTAMP"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update checkpoint: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var upload models.FileUpload
			if err := tx.Where("id = ?", uploadID).First(&upload).Error; err != nil {
				return convertNotFoundError(err, models.ErrUploadNotFound)
			}
			return models.ErrCheckpointRegression
		}
		return nil
	})
	if err != nil {
		r.restoreStaged(uploadID, staged)
		return 0, err
	}
	return inserted, nil
}

// ListTransactionsByCPF returns one page of transactions for a CPF,
// newest first, along with the total count for that CPF.
func (r *GORMRegistry) ListTransactionsByCPF(ctx context.Context, cpf string, page, pageSize int) ([]*models.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	q := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("cpf = ?", cpf)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var txs []*models.Transaction
	err := q.Order("transaction_date DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, total, nil
}

// CPFBalance returns the signed balance over all transactions of one
// CPF, in cents. Outflow types subtract, inflow types add.
func (r *GORMRegistry) CPFBalance(ctx context.Context, cpf string) (int64, error) {
	var balance *int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("cpf = ?", cpf).
		Select("SUM(CASE WHEN type IN (2, 3, 9) THEN -amount_cents ELSE amount_cents END)").
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	if balance == nil {
		return 0, nil
	}
	return *balance, nil
}

// StoreSummary aggregates all transactions of one store. BalanceCents is
// signed: outflow types (boleto, financing, rent) subtract from the
// balance, all other types add to it.
type StoreSummary struct {
	StoreName        string `json:"store_name"`
	StoreOwner       string `json:"store_owner"`
	TransactionCount int64  `json:"transaction_count"`
	BalanceCents     int64  `json:"balance_cents"`
}

// StoreSummaries returns the per-store balance over all ingested
// transactions, ordered by store name.
func (r *GORMRegistry) StoreSummaries(ctx context.Context) ([]StoreSummary, error) {
	var summaries []StoreSummary
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select(`store_name,
			MAX(store_owner) AS store_owner,
			COUNT(*) AS transaction_count,
			SUM(CASE WHEN type IN (2, 3, 9) THEN -amount_cents ELSE amount_cents END) AS balance_cents`).
		Group("store_name").
		Order("store_name ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate store balances: %w", err)
	}
	return summaries, nil
}

// CountTransactions returns the total number of stored transactions.
func (r *GORMRegistry) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Transaction{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}
