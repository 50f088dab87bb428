package models

import (
	"time"
)

// Transaction is one immutable ledger entry. PreviousBalance and NewBalance
// capture the card balance immediately before and after the entry; entries
// are never updated or deleted.
type Transaction struct {
	ID              int64      `json:"id" db:"id"`
	TempID          string     `json:"temp_id" db:"temp_id"`
	CardID          int64      `json:"card_id" db:"card_id"`
	StationID       int64      `json:"station_id" db:"station_id"`
	WorkerID        int64      `json:"worker_id" db:"worker_id"`
	Amount          int64      `json:"amount" db:"amount"`
	PreviousBalance int64      `json:"previous_balance" db:"previous_balance"`
	NewBalance      int64      `json:"new_balance" db:"new_balance"`
	Type            string     `json:"transaction_type" db:"transaction_type"`
	Status          string     `json:"status" db:"status"`
	Notes           string     `json:"notes,omitempty" db:"notes"`
	SyncedAt        *time.Time `json:"synced_at" db:"synced_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Transaction types. The credit tag exists for top-up records written outside
// the debit engine; the engine itself only produces debits.
const (
	TransactionTypeDebit  = "debit"
	TransactionTypeCredit = "credit"
)

// Transaction status values
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// IsSynced reports whether the entry has been acknowledged by the engine.
func (t *Transaction) IsSynced() bool {
	return t.SyncedAt != nil
}

// TransactionSummary is the recent-transactions listing row, joined with the
// card's identifying fields.
type TransactionSummary struct {
	ID         int64     `json:"id"`
	TempID     string    `json:"temp_id"`
	Amount     int64     `json:"amount"`
	NewBalance int64     `json:"new_balance"`
	CardNumber string    `json:"card_number"`
	FamilyName string    `json:"family_name"`
	CreatedAt  time.Time `json:"date"`
	IsSynced   bool      `json:"is_synced"`
}

// CardTransaction is a card-history row including the acting worker's name.
type CardTransaction struct {
	ID              int64     `json:"id"`
	Amount          int64     `json:"amount"`
	PreviousBalance int64     `json:"previous_balance"`
	NewBalance      int64     `json:"new_balance"`
	Type            string    `json:"transaction_type"`
	WorkerName      string    `json:"worker_name"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"date"`
}
