package services

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/watercard/backend/internal/middleware"
	"github.com/watercard/backend/internal/store"
)

const dateLayout = "2006-01-02 15:04:05"

// TransactionService exposes the debit engine and sync reconciler over HTTP.
type TransactionService struct {
	engine     Debitor
	reconciler *SyncReconciler
	store      *store.LedgerStore
	validator  *ValidationHelper
}

func NewTransactionService(engine Debitor, reconciler *SyncReconciler, ledger *store.LedgerStore) *TransactionService {
	return &TransactionService{
		engine:     engine,
		reconciler: reconciler,
		store:      ledger,
		validator:  NewValidationHelper(),
	}
}

// CreateTransactionRequest is the single-debit payload.
type CreateTransactionRequest struct {
	CardID int64  `json:"card_id" validate:"required,gt=0"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
	TempID string `json:"temp_id" validate:"omitempty,max=100"`
	Notes  string `json:"notes" validate:"omitempty,max=500"`
}

// CreateTransaction handles a single debit against a card.
// @Summary Debit a card
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions [post]
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateTransactionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, err)
		return
	}

	outcome, err := ts.engine.Debit(r.Context(), worker, DebitRequest{
		CardID: req.CardID,
		Amount: req.Amount,
		TempID: req.TempID,
		Notes:  req.Notes,
	})
	if err != nil {
		var insufficientErr *InsufficientBalanceError
		switch {
		case errors.Is(err, ErrCardUnavailable):
			SendErrorResponse(w, "Card not found or inactive", http.StatusNotFound, nil)
		case errors.As(err, &insufficientErr):
			SendErrorResponseData(w, "Insufficient balance", http.StatusBadRequest, nil, map[string]int64{
				"current_balance":  insufficientErr.CurrentBalance,
				"requested_amount": insufficientErr.RequestedAmount,
			})
		case errors.Is(err, ErrInvalidAmount):
			SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, nil)
		default:
			log.Printf("[TRANSACTION] Debit failed for card %d: %v", req.CardID, err)
			SendErrorResponse(w, "An error occurred during the transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	message := "Transaction completed successfully"
	if outcome.AlreadyExists {
		message = "Transaction already processed"
	}

	tx := outcome.Transaction
	SendSuccessResponse(w, http.StatusOK, message, map[string]any{
		"transaction": map[string]any{
			"id":               tx.ID,
			"temp_id":          tx.TempID,
			"amount":           tx.Amount,
			"previous_balance": tx.PreviousBalance,
			"new_balance":      tx.NewBalance,
			"date":             tx.CreatedAt.Format(dateLayout),
		},
		"card": map[string]any{
			"balance": outcome.CardBalance,
		},
	})
}

// SyncTransactionsRequest is the offline batch payload.
type SyncTransactionsRequest struct {
	Transactions []SyncItem `json:"transactions" validate:"required,min=1,max=100,dive"`
}

// SyncTransactions replays a batch of offline debits.
// @Summary Sync offline transactions
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/sync [post]
func (ts *TransactionService) SyncTransactions(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SyncTransactionsRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, err)
		return
	}

	report, err := ts.reconciler.Reconcile(r.Context(), worker, req.Transactions)
	if err != nil {
		// Batch-level rejection: nothing was processed.
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
		return
	}

	SendSuccessResponse(w, http.StatusOK, "Transactions synced successfully", map[string]any{
		"synced_count":        len(report.Synced),
		"failed_count":        len(report.Failed),
		"synced_transactions": report.Synced,
		"failed_transactions": report.Failed,
	})
}

// GetRecentTransactions lists the station's latest ledger entries.
// @Summary Get recent transactions
// @Tags transactions
// @Produce json
// @Param limit query int false "Number of transactions to return (default: 20, max: 100)"
// @Router /transactions/recent [get]
func (ts *TransactionService) GetRecentTransactions(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Limit int `validate:"omitempty,min=1,max=100"`
	}
	req.Limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, err)
		return
	}

	transactions, err := ts.store.RecentTransactions(r.Context(), worker.StationID, req.Limit)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch recent transactions for station %d: %v", worker.StationID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	items := make([]map[string]any, 0, len(transactions))
	for _, t := range transactions {
		items = append(items, map[string]any{
			"id":          t.ID,
			"temp_id":     t.TempID,
			"amount":      t.Amount,
			"new_balance": t.NewBalance,
			"card_number": t.CardNumber,
			"family_name": t.FamilyName,
			"date":        t.CreatedAt.Format(dateLayout),
			"is_synced":   t.IsSynced,
		})
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"transactions": items,
	})
}
