package handlers

import (
	"net/http"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// TransactionHandler serves the query side: per-CPF transaction listing
// and the per-store balance summary.
type TransactionHandler struct {
	registry *registry.GORMRegistry
}

// NewTransactionHandler creates a new transaction handler.
func NewTransactionHandler(reg *registry.GORMRegistry) *TransactionHandler {
	return &TransactionHandler{registry: reg}
}

// transactionListResponse is one page of transactions for a CPF plus
// the running balance over all of them.
type transactionListResponse struct {
	CPF          string                `json:"cpf"`
	Transactions []*models.Transaction `json:"transactions"`
	Total        int64                 `json:"total"`
	BalanceCents int64                 `json:"balance_cents"`
	Page         int                   `json:"page"`
	PageSize     int                   `json:"page_size"`
}

// ListByCPF handles GET /api/v1/transactions.
//
// Query parameters: cpf (required), page (default 1), page_size
// (default 50). Transactions are returned newest first; the balance
// covers every transaction of the CPF, not just the returned page.
func (h *TransactionHandler) ListByCPF(w http.ResponseWriter, r *http.Request) {
	cpf := r.URL.Query().Get("cpf")
	if cpf == "" {
		BadRequest(w, "missing required query parameter 'cpf'")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	txs, total, err := h.registry.ListTransactionsByCPF(r.Context(), cpf, page, pageSize)
	if err != nil {
		logger.Error("failed to list transactions", logger.KeyError, err)
		InternalServerError(w, "failed to list transactions")
		return
	}

	balance, err := h.registry.CPFBalance(r.Context(), cpf)
	if err != nil {
		logger.Error("failed to compute balance", logger.KeyError, err)
		InternalServerError(w, "failed to compute balance")
		return
	}

	if txs == nil {
		txs = []*models.Transaction{}
	}
	WriteJSONOK(w, transactionListResponse{
		CPF:          cpf,
		Transactions: txs,
		Total:        total,
		BalanceCents: balance,
		Page:         page,
		PageSize:     pageSize,
	})
}

// storesResponse wraps the per-store balance summary.
type storesResponse struct {
	Stores []registry.StoreSummary `json:"stores"`
	Count  int                     `json:"count"`
}

// Stores handles GET /api/v1/transactions/stores.
//
// Returns the signed balance and transaction count for every store,
// ordered by store name.
func (h *TransactionHandler) Stores(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.registry.StoreSummaries(r.Context())
	if err != nil {
		logger.Error("failed to aggregate store balances", logger.KeyError, err)
		InternalServerError(w, "failed to aggregate store balances")
		return
	}

	if summaries == nil {
		summaries = []registry.StoreSummary{}
	}
	WriteJSONOK(w, storesResponse{Stores: summaries, Count: len(summaries)})
}
