package models

import (
	"time"
)

// Transaction is one persisted CNAB line. Rows are insert-only: they are
// never updated and only destroyed by the admin purge.
//
// IdempotencyKey is the SHA-256 of the raw line and carries a unique
// constraint, which is what makes line insertion safe under retries and
// concurrent workers: a duplicate insert is a no-op.
type Transaction struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// Type is the CNAB transaction type code (1..9).
	Type int `gorm:"not null" json:"type"`

	// TransactionDate is the calendar date at UTC midnight.
	TransactionDate time.Time `gorm:"not null;index:idx_transactions_cpf_date,priority:2,sort:desc" json:"transaction_date"`

	// TransactionTime is the wall-clock time of day as nanoseconds from
	// midnight. Values beyond 24h occur in the wild and are stored as-is.
	TransactionTime time.Duration `gorm:"not null" json:"transaction_time"`

	// AmountCents is the non-negative amount at scale 2.
	AmountCents int64 `gorm:"not null" json:"amount_cents"`

	CPF        string `gorm:"not null;size:11;index:idx_transactions_cpf_date,priority:1" json:"cpf"`
	Card       string `gorm:"not null;size:12" json:"card"`
	StoreOwner string `gorm:"size:14" json:"store_owner"`
	StoreName  string `gorm:"size:18" json:"store_name"`

	// BankCode currently mirrors the type code. Kept as a separate
	// column because the schema names them separately upstream.
	BankCode int `gorm:"not null" json:"bank_code"`

	// FileUploadID links back to the originating upload. Nullable for
	// rows that predate upload tracking.
	FileUploadID *string `gorm:"size:36;index" json:"file_upload_id,omitempty"`

	IdempotencyKey string `gorm:"uniqueIndex;not null;size:64" json:"idempotency_key"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Transaction.
func (Transaction) TableName() string {
	return "transactions"
}

// Amount returns the decimal amount (cents / 100).
func (t *Transaction) Amount() float64 {
	return float64(t.AmountCents) / 100
}
