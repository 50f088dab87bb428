package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/watercard/backend/internal/cache"
	"github.com/watercard/backend/internal/middleware"
	"github.com/watercard/backend/internal/models"
	"github.com/watercard/backend/internal/store"
)

// cardCacheTTL bounds staleness for card lookups that happen without an
// intervening debit; every committed debit invalidates eagerly.
const cardCacheTTL = 5 * time.Minute

// CardService serves card lookups through the read cache and handles
// supervisor card provisioning.
type CardService struct {
	store     *store.LedgerStore
	cache     cache.Cache
	validator *ValidationHelper
}

func NewCardService(ledger *store.LedgerStore, c cache.Cache) *CardService {
	return &CardService{
		store:     ledger,
		cache:     c,
		validator: NewValidationHelper(),
	}
}

// GetByQRCode looks up a card by its QR code, read-through cached.
// @Summary Get card by QR code
// @Tags cards
// @Produce json
// @Router /cards/qr/{qrCode} [get]
func (cs *CardService) GetByQRCode(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	qrCode := chi.URLParam(r, "qrCode")
	if qrCode == "" {
		SendErrorResponse(w, "QR code is required", http.StatusBadRequest, nil)
		return
	}

	data, err := cs.cache.GetOrPopulate(r.Context(), models.CardQRCacheKey(qrCode), cardCacheTTL,
		func(ctx context.Context) ([]byte, error) {
			card, err := cs.store.GetCardByQRCode(ctx, qrCode)
			if err != nil {
				return nil, err
			}
			return json.Marshal(card)
		})
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Card not found or inactive", http.StatusNotFound, nil)
		} else {
			log.Printf("[CARD] QR lookup failed for %s: %v", qrCode, err)
			SendErrorResponse(w, "Failed to fetch card", http.StatusInternalServerError, nil)
		}
		return
	}

	var card models.Card
	if err := json.Unmarshal(data, &card); err != nil {
		log.Printf("[CARD] Corrupt cache entry for %s: %v", qrCode, err)
		SendErrorResponse(w, "Failed to fetch card", http.StatusInternalServerError, nil)
		return
	}

	if card.StationID != worker.StationID {
		SendErrorResponse(w, "Card does not belong to your station", http.StatusForbidden, nil)
		return
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"card": cardPayload(&card),
	})
}

// SearchByNumber looks up an active card by card number within the worker's
// station. Uncached: number search is a manual fallback, not the hot path.
// @Summary Search card by number
// @Tags cards
// @Accept json
// @Produce json
// @Router /cards/search [post]
func (cs *CardService) SearchByNumber(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		CardNumber string `json:"card_number" validate:"required"`
	}
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, err)
		return
	}

	card, err := cs.store.GetCardByNumber(r.Context(), req.CardNumber, worker.StationID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[CARD] Number search failed for %s: %v", req.CardNumber, err)
			SendErrorResponse(w, "Failed to fetch card", http.StatusInternalServerError, nil)
		}
		return
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"card": cardPayload(card),
	})
}

// GetTransactionHistory lists a card's last 20 ledger entries.
// @Summary Get card transaction history
// @Tags cards
// @Produce json
// @Router /cards/{cardId}/transactions [get]
func (cs *CardService) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	cardID, err := strconv.ParseInt(chi.URLParam(r, "cardId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid card id", http.StatusBadRequest, nil)
		return
	}

	if _, err := cs.store.GetCard(r.Context(), cardID, worker.StationID); err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[CARD] Card lookup failed for %d: %v", cardID, err)
			SendErrorResponse(w, "Failed to fetch card", http.StatusInternalServerError, nil)
		}
		return
	}

	transactions, err := cs.store.CardTransactions(r.Context(), cardID, 20)
	if err != nil {
		log.Printf("[CARD] History fetch failed for card %d: %v", cardID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	items := make([]map[string]any, 0, len(transactions))
	for _, t := range transactions {
		items = append(items, map[string]any{
			"id":               t.ID,
			"amount":           t.Amount,
			"previous_balance": t.PreviousBalance,
			"new_balance":      t.NewBalance,
			"transaction_type": t.Type,
			"worker_name":      t.WorkerName,
			"notes":            t.Notes,
			"date":             t.CreatedAt.Format(dateLayout),
		})
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"transactions": items,
	})
}

// ProvisionCardRequest creates a card in the supervisor's station.
type ProvisionCardRequest struct {
	FamilyName     string `json:"family_name" validate:"required,min=2,max=100"`
	Phone          string `json:"phone" validate:"omitempty,max=20"`
	InitialBalance int64  `json:"initial_balance" validate:"omitempty,gte=0"`
	Notes          string `json:"notes" validate:"omitempty,max=500"`
}

// ProvisionCard issues a new card with a fresh card number and QR code. An
// initial balance is recorded as a credit ledger entry in the same atomic
// unit, so the ledger still sums to the card balance.
// @Summary Provision a new card
// @Tags cards
// @Accept json
// @Produce json
// @Router /cards [post]
func (cs *CardService) ProvisionCard(w http.ResponseWriter, r *http.Request) {
	worker, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ProvisionCardRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid data provided", http.StatusUnprocessableEntity, err)
		return
	}

	card := &models.Card{
		CardNumber: generateCardNumber(),
		QRCode:     uuid.NewString(),
		FamilyName: req.FamilyName,
		Phone:      req.Phone,
		StationID:  worker.StationID,
		Balance:    req.InitialBalance,
		Status:     models.CardStatusActive,
		Notes:      req.Notes,
	}

	tx, err := cs.store.Begin(r.Context())
	if err != nil {
		log.Printf("[CARD] Provisioning failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to provision card", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if err := cs.store.InsertCard(r.Context(), tx, card); err != nil {
		log.Printf("[CARD] Card insert failed: %v", err)
		SendErrorResponse(w, "Failed to provision card", http.StatusInternalServerError, nil)
		return
	}

	if req.InitialBalance > 0 {
		now := time.Now()
		entry := &models.Transaction{
			TempID:          uuid.NewString(),
			CardID:          card.ID,
			StationID:       worker.StationID,
			WorkerID:        worker.WorkerID,
			Amount:          req.InitialBalance,
			PreviousBalance: 0,
			NewBalance:      req.InitialBalance,
			Type:            models.TransactionTypeCredit,
			Status:          models.TransactionStatusCompleted,
			Notes:           "Initial balance",
			SyncedAt:        &now,
			CreatedAt:       now,
		}
		if err := cs.store.InsertTransaction(r.Context(), tx, entry); err != nil {
			log.Printf("[CARD] Initial balance entry failed: %v", err)
			SendErrorResponse(w, "Failed to provision card", http.StatusInternalServerError, nil)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[CARD] Provisioning commit failed: %v", err)
		SendErrorResponse(w, "Failed to provision card", http.StatusInternalServerError, nil)
		return
	}

	qrImage, err := qrcode.Encode(card.QRCode, qrcode.Medium, 256)
	if err != nil {
		log.Printf("[CARD] QR render failed for card %d: %v", card.ID, err)
		// Card exists; the QR image can be regenerated from qr_code later.
	}

	log.Printf("[CARD] Card %d provisioned at station %d by worker %d", card.ID, worker.StationID, worker.WorkerID)
	SendSuccessResponse(w, http.StatusCreated, "Card provisioned successfully", map[string]any{
		"card":     cardPayload(card),
		"qr_image": base64.StdEncoding.EncodeToString(qrImage),
	})
}

func cardPayload(card *models.Card) map[string]any {
	return map[string]any{
		"id":          card.ID,
		"card_number": card.CardNumber,
		"qr_code":     card.QRCode,
		"family_name": card.FamilyName,
		"phone":       card.Phone,
		"balance":     card.Balance,
		"status":      card.Status,
	}
}

func generateCardNumber() string {
	const digits = "0123456789"
	b := make([]byte, 10)
	rand.Read(b)
	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}
	return string(b)
}
