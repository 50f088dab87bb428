package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/watercard/backend/internal/cache"
	"github.com/watercard/backend/internal/models"
	"github.com/watercard/backend/internal/store"
)

// ErrInvalidAmount rejects non-positive debit amounts before any state change.
var ErrInvalidAmount = errors.New("amount must be a positive integer")

// ErrCardUnavailable covers a card that is missing, belongs to another
// station, or is not active. The three cases are deliberately
// indistinguishable to the caller.
var ErrCardUnavailable = errors.New("card not found or inactive")

// InsufficientBalanceError reports the balances needed for the caller to
// reconcile without a follow-up read.
type InsufficientBalanceError struct {
	CurrentBalance  int64
	RequestedAmount int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, requested %d", e.CurrentBalance, e.RequestedAmount)
}

// DebitRequest describes one debit against a card. TempID is the client's
// deduplication token; when empty the engine assigns one. OccurredAt backdates
// the ledger entry for offline-originated debits.
type DebitRequest struct {
	CardID     int64
	Amount     int64
	TempID     string
	Notes      string
	OccurredAt *time.Time
}

// DebitOutcome is the result of a committed or replayed debit.
type DebitOutcome struct {
	Transaction   *models.Transaction
	CardBalance   int64
	AlreadyExists bool
}

// Debitor is the single code path allowed to change a card's balance.
type Debitor interface {
	Debit(ctx context.Context, caller models.WorkerContext, req DebitRequest) (*DebitOutcome, error)
}

// DebitEngine atomically debits a card and appends the ledger entry under an
// exclusive per-card row lock, then invalidates the card's cached lookups.
type DebitEngine struct {
	store *store.LedgerStore
	cache cache.Cache
}

func NewDebitEngine(ledger *store.LedgerStore, c cache.Cache) *DebitEngine {
	return &DebitEngine{store: ledger, cache: c}
}

// Debit performs one all-or-nothing balance mutation. Replaying a temp_id
// that already landed returns the existing entry with AlreadyExists set; it
// is a successful no-op, not an error.
func (e *DebitEngine) Debit(ctx context.Context, caller models.WorkerContext, req DebitRequest) (*DebitOutcome, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tempID := req.TempID
	if tempID == "" {
		tempID = uuid.NewString()
	} else {
		// Idempotent-replay fast path for client-supplied tokens. The UNIQUE
		// constraint still backstops the race where two requests carry the
		// same not-yet-written token.
		existing, err := e.store.FindTransactionByTempID(ctx, tempID)
		if err == nil {
			log.Printf("[DEBIT] Duplicate temp_id %s, returning existing transaction %d", tempID, existing.ID)
			return &DebitOutcome{Transaction: existing, CardBalance: existing.NewBalance, AlreadyExists: true}, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("temp_id lookup failed: %w", err)
		}
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	card, err := e.store.GetCardForUpdate(ctx, tx, req.CardID, caller.StationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCardUnavailable
		}
		return nil, fmt.Errorf("lock card %d: %w", req.CardID, err)
	}
	if !card.IsActive() {
		return nil, ErrCardUnavailable
	}

	if card.Balance < req.Amount {
		return nil, &InsufficientBalanceError{CurrentBalance: card.Balance, RequestedAmount: req.Amount}
	}

	now := time.Now()
	createdAt := now
	if req.OccurredAt != nil {
		createdAt = *req.OccurredAt
	}

	entry := &models.Transaction{
		TempID:          tempID,
		CardID:          card.ID,
		StationID:       caller.StationID,
		WorkerID:        caller.WorkerID,
		Amount:          req.Amount,
		PreviousBalance: card.Balance,
		NewBalance:      card.Balance - req.Amount,
		Type:            models.TransactionTypeDebit,
		Status:          models.TransactionStatusCompleted,
		Notes:           req.Notes,
		SyncedAt:        &now,
		CreatedAt:       createdAt,
	}

	if err := e.store.InsertTransaction(ctx, tx, entry); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the insert race: another request committed this temp_id
			// between our existence check and the write. Resolve against the
			// winner's row.
			tx.Rollback()
			existing, lookupErr := e.store.FindTransactionByTempID(ctx, tempID)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate temp_id %s but lookup failed: %w", tempID, lookupErr)
			}
			log.Printf("[DEBIT] Concurrent duplicate temp_id %s resolved to transaction %d", tempID, existing.ID)
			return &DebitOutcome{Transaction: existing, CardBalance: existing.NewBalance, AlreadyExists: true}, nil
		}
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := e.store.UpdateCardBalance(ctx, tx, card.ID, entry.NewBalance); err != nil {
		return nil, fmt.Errorf("update card balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}

	// Invalidation runs after commit so a concurrent read can never repopulate
	// the cache from the pre-commit balance. A failure here only extends
	// staleness to the TTL bound.
	if err := e.cache.Invalidate(ctx, models.CardQRCacheKey(card.QRCode), models.CardNumberCacheKey(card.CardNumber)); err != nil {
		log.Printf("[DEBIT] Cache invalidation failed for card %d: %v", card.ID, err)
	}

	log.Printf("[DEBIT] Card %d debited %d by worker %d: %d -> %d",
		card.ID, req.Amount, caller.WorkerID, entry.PreviousBalance, entry.NewBalance)

	return &DebitOutcome{Transaction: entry, CardBalance: entry.NewBalance}, nil
}
