package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/watercard/backend/internal/models"
)

// LedgerStore is the data-access layer for cards and ledger entries. It holds
// no business rules: sufficiency checks, status gating and idempotency
// decisions all live in the debit engine.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Begin starts a database transaction for one atomic balance mutation.
func (s *LedgerStore) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

const cardColumns = `id, card_number, qr_code, family_name, COALESCE(phone, ''), station_id, balance, status, COALESCE(notes, ''), created_at, updated_at`

func scanCard(row *sql.Row) (*models.Card, error) {
	var card models.Card
	err := row.Scan(
		&card.ID, &card.CardNumber, &card.QRCode, &card.FamilyName, &card.Phone,
		&card.StationID, &card.Balance, &card.Status, &card.Notes,
		&card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// GetCardForUpdate locks the card row within the caller's station for the
// duration of tx. Returns sql.ErrNoRows when the card does not exist in that
// station; status gating is the engine's job, so inactive cards are returned.
func (s *LedgerStore) GetCardForUpdate(ctx context.Context, tx *sql.Tx, cardID, stationID int64) (*models.Card, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE id = $1 AND station_id = $2
		FOR UPDATE`, cardID, stationID)
	return scanCard(row)
}

// GetCardByQRCode fetches an active card by its QR lookup code.
func (s *LedgerStore) GetCardByQRCode(ctx context.Context, qrCode string) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE qr_code = $1 AND status = 'active'`, qrCode)
	return scanCard(row)
}

// GetCardByNumber fetches an active card by card number within a station.
func (s *LedgerStore) GetCardByNumber(ctx context.Context, cardNumber string, stationID int64) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE card_number = $1 AND station_id = $2 AND status = 'active'`, cardNumber, stationID)
	return scanCard(row)
}

// GetCard fetches a card by id within a station regardless of status.
func (s *LedgerStore) GetCard(ctx context.Context, cardID, stationID int64) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE id = $1 AND station_id = $2`, cardID, stationID)
	return scanCard(row)
}

// InsertCard creates a new card record within tx and fills in its id, so a
// provisioning credit entry can land in the same atomic unit.
func (s *LedgerStore) InsertCard(ctx context.Context, tx *sql.Tx, card *models.Card) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO cards (card_number, qr_code, family_name, phone, station_id, balance, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		card.CardNumber, card.QRCode, card.FamilyName, card.Phone,
		card.StationID, card.Balance, card.Status, card.Notes,
	).Scan(&card.ID, &card.CreatedAt, &card.UpdatedAt)
}

// FindTransactionByTempID looks up a ledger entry by its deduplication token.
// Returns sql.ErrNoRows when no entry carries the token.
func (s *LedgerStore) FindTransactionByTempID(ctx context.Context, tempID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, temp_id, card_id, station_id, worker_id, amount,
		       previous_balance, new_balance, transaction_type, status,
		       COALESCE(notes, ''), synced_at, created_at
		FROM transactions
		WHERE temp_id = $1`, tempID).Scan(
		&t.ID, &t.TempID, &t.CardID, &t.StationID, &t.WorkerID, &t.Amount,
		&t.PreviousBalance, &t.NewBalance, &t.Type, &t.Status,
		&t.Notes, &t.SyncedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTransaction appends a ledger entry within tx and fills in its id.
// The UNIQUE constraint on temp_id is the storage-level idempotency guarantee;
// callers must treat a unique violation as a concurrent duplicate, not a fault.
func (s *LedgerStore) InsertTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO transactions
		(temp_id, card_id, station_id, worker_id, amount, previous_balance, new_balance, transaction_type, status, notes, synced_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		t.TempID, t.CardID, t.StationID, t.WorkerID, t.Amount,
		t.PreviousBalance, t.NewBalance, t.Type, t.Status,
		t.Notes, t.SyncedAt, t.CreatedAt,
	).Scan(&t.ID)
}

// UpdateCardBalance sets the card's stored balance within tx.
func (s *LedgerStore) UpdateCardBalance(ctx context.Context, tx *sql.Tx, cardID, newBalance int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE cards SET balance = $1, updated_at = NOW() WHERE id = $2`,
		newBalance, cardID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("balance update affected no rows for card %d", cardID)
	}
	return nil
}

// RecentTransactions lists the station's latest ledger entries, most recent
// first, joined with the card's identifying fields.
func (s *LedgerStore) RecentTransactions(ctx context.Context, stationID int64, limit int) ([]models.TransactionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(t.temp_id, ''), t.amount, t.new_balance,
		       c.card_number, c.family_name, t.created_at, t.synced_at IS NOT NULL
		FROM transactions t
		INNER JOIN cards c ON t.card_id = c.id
		WHERE t.station_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.TransactionSummary{}
	for rows.Next() {
		var t models.TransactionSummary
		if err := rows.Scan(&t.ID, &t.TempID, &t.Amount, &t.NewBalance,
			&t.CardNumber, &t.FamilyName, &t.CreatedAt, &t.IsSynced); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// CardTransactions lists a card's latest ledger entries with the acting
// worker's name.
func (s *LedgerStore) CardTransactions(ctx context.Context, cardID int64, limit int) ([]models.CardTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.amount, t.previous_balance, t.new_balance,
		       t.transaction_type, w.name, COALESCE(t.notes, ''), t.created_at
		FROM transactions t
		INNER JOIN workers w ON t.worker_id = w.id
		WHERE t.card_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2`, cardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.CardTransaction{}
	for rows.Next() {
		var t models.CardTransaction
		if err := rows.Scan(&t.ID, &t.Amount, &t.PreviousBalance, &t.NewBalance,
			&t.Type, &t.WorkerName, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the signal that another request already wrote the same temp_id.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
