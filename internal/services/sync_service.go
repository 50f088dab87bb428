package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/watercard/backend/internal/models"
)

// MaxSyncBatchSize bounds one offline reconciliation batch.
const MaxSyncBatchSize = 100

// ErrBatchTooLarge rejects an oversized batch before any item is processed.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d transactions", MaxSyncBatchSize)

// ErrDuplicateTempIDs rejects a batch whose items collide with each other.
// A token colliding with a prior sync is handled per item as already_exists;
// a self-colliding batch is a client bug and fails wholesale.
var ErrDuplicateTempIDs = errors.New("batch contains duplicate temp_id values")

// SyncItem is one offline-originated debit queued on a device.
type SyncItem struct {
	TempID    string    `json:"temp_id" validate:"required"`
	CardID    int64     `json:"card_id" validate:"required,gt=0"`
	Amount    int64     `json:"amount" validate:"required,gt=0"`
	Notes     string    `json:"notes" validate:"omitempty,max=500"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
}

// Per-item sync outcomes
const (
	SyncStatusSynced        = "synced"
	SyncStatusAlreadyExists = "already_exists"
)

// Per-item failure reasons
const (
	SyncReasonCardNotFound        = "card_not_found"
	SyncReasonInsufficientBalance = "insufficient_balance"
	SyncReasonSyncError           = "sync_error"
)

// SyncedTransaction reports an item that landed, now or in a prior sync.
type SyncedTransaction struct {
	TempID        string `json:"temp_id"`
	Status        string `json:"status"`
	TransactionID int64  `json:"transaction_id"`
}

// FailedTransaction reports an item that could not be applied.
type FailedTransaction struct {
	TempID         string `json:"temp_id"`
	Reason         string `json:"reason"`
	CurrentBalance *int64 `json:"current_balance,omitempty"`
}

// SyncReport is the per-item outcome of one reconciled batch.
type SyncReport struct {
	Synced []SyncedTransaction `json:"synced_transactions"`
	Failed []FailedTransaction `json:"failed_transactions"`
}

// SyncReconciler replays a batch of offline debits through the debit engine,
// one item per atomic boundary. A failing item is converted into a failure
// record and never aborts its siblings.
type SyncReconciler struct {
	engine Debitor
}

func NewSyncReconciler(engine Debitor) *SyncReconciler {
	return &SyncReconciler{engine: engine}
}

// Reconcile processes items strictly in order. Batch-level preconditions
// (size, mutually distinct temp_ids) are checked before any item runs.
func (r *SyncReconciler) Reconcile(ctx context.Context, caller models.WorkerContext, items []SyncItem) (*SyncReport, error) {
	if len(items) > MaxSyncBatchSize {
		return nil, ErrBatchTooLarge
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.TempID]; dup {
			return nil, ErrDuplicateTempIDs
		}
		seen[item.TempID] = struct{}{}
	}

	report := &SyncReport{
		Synced: []SyncedTransaction{},
		Failed: []FailedTransaction{},
	}

	for _, item := range items {
		r.reconcileItem(ctx, caller, item, report)
	}

	log.Printf("[SYNC] Worker %d reconciled batch: %d synced, %d failed",
		caller.WorkerID, len(report.Synced), len(report.Failed))
	return report, nil
}

func (r *SyncReconciler) reconcileItem(ctx context.Context, caller models.WorkerContext, item SyncItem, report *SyncReport) {
	// The engine commits per item; a panic here must not escape the loop.
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[SYNC] Panic while syncing temp_id %s: %v", item.TempID, rec)
			report.Failed = append(report.Failed, FailedTransaction{
				TempID: item.TempID,
				Reason: SyncReasonSyncError,
			})
		}
	}()

	occurredAt := item.CreatedAt
	outcome, err := r.engine.Debit(ctx, caller, DebitRequest{
		CardID:     item.CardID,
		Amount:     item.Amount,
		TempID:     item.TempID,
		Notes:      item.Notes,
		OccurredAt: &occurredAt,
	})

	if err == nil {
		status := SyncStatusSynced
		if outcome.AlreadyExists {
			status = SyncStatusAlreadyExists
		}
		report.Synced = append(report.Synced, SyncedTransaction{
			TempID:        item.TempID,
			Status:        status,
			TransactionID: outcome.Transaction.ID,
		})
		return
	}

	var insufficientErr *InsufficientBalanceError
	switch {
	case errors.Is(err, ErrCardUnavailable):
		report.Failed = append(report.Failed, FailedTransaction{
			TempID: item.TempID,
			Reason: SyncReasonCardNotFound,
		})
	case errors.As(err, &insufficientErr):
		balance := insufficientErr.CurrentBalance
		report.Failed = append(report.Failed, FailedTransaction{
			TempID:         item.TempID,
			Reason:         SyncReasonInsufficientBalance,
			CurrentBalance: &balance,
		})
	default:
		log.Printf("[SYNC] Failed to sync temp_id %s: %v", item.TempID, err)
		report.Failed = append(report.Failed, FailedTransaction{
			TempID: item.TempID,
			Reason: SyncReasonSyncError,
		})
	}
}
