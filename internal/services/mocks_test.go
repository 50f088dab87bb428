package services

import (
	"context"
	"sync"
	"time"

	"github.com/watercard/backend/internal/models"
)

// fakeCache is an in-memory cache.Cache for deterministic tests.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (c *fakeCache) GetOrPopulate(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	data, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return data, nil
	}

	data, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = data
	c.mu.Unlock()
	return data, nil
}

func (c *fakeCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
		c.invalidated = append(c.invalidated, key)
	}
	return nil
}

// fakeCard is the in-memory card state behind fakeDebitor.
type fakeCard struct {
	balance   int64
	stationID int64
	active    bool
}

// fakeDebitor implements the Debitor contract against in-memory state, with
// per-call locking so reconciler tests exercise real outcome mapping.
type fakeDebitor struct {
	mu       sync.Mutex
	cards    map[int64]*fakeCard
	byTempID map[string]*models.Transaction
	nextID   int64
	failWith error // forced failure for every call when set
	panicOn  string // temp_id that triggers a panic
}

func newFakeDebitor() *fakeDebitor {
	return &fakeDebitor{
		cards:    map[int64]*fakeCard{},
		byTempID: map[string]*models.Transaction{},
	}
}

func (d *fakeDebitor) addCard(id int64, balance int64, stationID int64) {
	d.cards[id] = &fakeCard{balance: balance, stationID: stationID, active: true}
}

func (d *fakeDebitor) Debit(ctx context.Context, caller models.WorkerContext, req DebitRequest) (*DebitOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.TempID == d.panicOn && d.panicOn != "" {
		panic("storage fault")
	}
	if d.failWith != nil {
		return nil, d.failWith
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if req.TempID != "" {
		if existing, ok := d.byTempID[req.TempID]; ok {
			return &DebitOutcome{Transaction: existing, CardBalance: existing.NewBalance, AlreadyExists: true}, nil
		}
	}

	card, ok := d.cards[req.CardID]
	if !ok || !card.active || card.stationID != caller.StationID {
		return nil, ErrCardUnavailable
	}
	if card.balance < req.Amount {
		return nil, &InsufficientBalanceError{CurrentBalance: card.balance, RequestedAmount: req.Amount}
	}

	d.nextID++
	now := time.Now()
	entry := &models.Transaction{
		ID:              d.nextID,
		TempID:          req.TempID,
		CardID:          req.CardID,
		StationID:       caller.StationID,
		WorkerID:        caller.WorkerID,
		Amount:          req.Amount,
		PreviousBalance: card.balance,
		NewBalance:      card.balance - req.Amount,
		Type:            models.TransactionTypeDebit,
		Status:          models.TransactionStatusCompleted,
		Notes:           req.Notes,
		SyncedAt:        &now,
		CreatedAt:       now,
	}
	card.balance = entry.NewBalance
	if req.TempID != "" {
		d.byTempID[req.TempID] = entry
	}
	return &DebitOutcome{Transaction: entry, CardBalance: entry.NewBalance}, nil
}
