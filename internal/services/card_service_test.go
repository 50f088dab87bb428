package services

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watercard/backend/internal/store"
)

func newCardService(t *testing.T) (*CardService, sqlmock.Sqlmock, *fakeCache) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c := newFakeCache()
	return NewCardService(store.NewLedgerStore(db), c), mock, c
}

// serveCard routes the request through chi so URL parameters resolve.
func serveCard(cs *CardService, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/cards/qr/{qrCode}", cs.GetByQRCode)
	r.Post("/cards/search", cs.SearchByNumber)
	r.Get("/cards/{cardId}/transactions", cs.GetTransactionHistory)
	r.Post("/cards", cs.ProvisionCard)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func serviceCardRows(stationID int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "card_number", "qr_code", "family_name", "phone",
		"station_id", "balance", "status", "notes", "created_at", "updated_at",
	}).AddRow(1, "1234567890", "qr-abc", "Test Family", "", stationID, 500, "active", "", now, now)
}

func TestGetByQRCode(t *testing.T) {
	t.Run("found and cached", func(t *testing.T) {
		cs, mock, cache := newCardService(t)

		mock.ExpectQuery("WHERE qr_code").
			WithArgs("qr-abc").
			WillReturnRows(serviceCardRows(testWorker.StationID))

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/qr/qr-abc", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		resp := decodeResponse(t, rr)
		card := resp.Data.(map[string]any)["card"].(map[string]any)
		assert.Equal(t, float64(500), card["balance"])
		assert.Equal(t, "1234567890", card["card_number"])
		assert.Contains(t, cache.entries, "card:qr:qr-abc")

		// Second lookup is served from cache; no further query expected.
		rr = serveCard(cs, authedRequest(http.MethodGet, "/cards/qr/qr-abc", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		mock.ExpectQuery("WHERE qr_code").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/qr/missing", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		resp := decodeResponse(t, rr)
		assert.Equal(t, "Card not found or inactive", resp.Message)
	})

	t.Run("foreign station card refused", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		mock.ExpectQuery("WHERE qr_code").
			WithArgs("qr-abc").
			WillReturnRows(serviceCardRows(testWorker.StationID + 1))

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/qr/qr-abc", nil))
		assert.Equal(t, http.StatusForbidden, rr.Code)
		resp := decodeResponse(t, rr)
		assert.Equal(t, "Card does not belong to your station", resp.Message)
	})
}

func TestSearchByNumber(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		mock.ExpectQuery("WHERE card_number").
			WithArgs("1234567890", testWorker.StationID).
			WillReturnRows(serviceCardRows(testWorker.StationID))

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards/search", map[string]any{
			"card_number": "1234567890",
		}))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		mock.ExpectQuery("WHERE card_number").
			WithArgs("0000000000", testWorker.StationID).
			WillReturnError(sql.ErrNoRows)

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards/search", map[string]any{
			"card_number": "0000000000",
		}))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing card number", func(t *testing.T) {
		cs, _, _ := newCardService(t)

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards/search", map[string]any{}))
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestGetTransactionHistory(t *testing.T) {
	t.Run("returns card history", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		now := time.Now()
		mock.ExpectQuery("FROM cards").
			WithArgs(int64(1), testWorker.StationID).
			WillReturnRows(serviceCardRows(testWorker.StationID))
		mock.ExpectQuery("INNER JOIN workers").
			WithArgs(int64(1), 20).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "amount", "previous_balance", "new_balance",
				"transaction_type", "name", "notes", "created_at",
			}).AddRow(1, 200, 500, 300, "debit", "Alice", "", now))

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/1/transactions", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		resp := decodeResponse(t, rr)
		items := resp.Data.(map[string]any)["transactions"].([]any)
		require.Len(t, items, 1)
		assert.Equal(t, "Alice", items[0].(map[string]any)["worker_name"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown card", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		mock.ExpectQuery("FROM cards").
			WithArgs(int64(9), testWorker.StationID).
			WillReturnError(sql.ErrNoRows)

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/9/transactions", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid card id", func(t *testing.T) {
		cs, _, _ := newCardService(t)

		rr := serveCard(cs, authedRequest(http.MethodGet, "/cards/abc/transactions", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestProvisionCard(t *testing.T) {
	t.Run("with initial balance writes credit entry", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		now := time.Now()
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO cards").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Test Family", "",
				testWorker.StationID, int64(300), "active", "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), int64(5), testWorker.StationID, testWorker.WorkerID,
				int64(300), int64(0), int64(300), "credit", "completed",
				"Initial balance", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectCommit()

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards", map[string]any{
			"family_name":     "Test Family",
			"initial_balance": 300,
		}))

		assert.Equal(t, http.StatusCreated, rr.Code)
		resp := decodeResponse(t, rr)
		data := resp.Data.(map[string]any)
		card := data["card"].(map[string]any)
		assert.Equal(t, float64(300), card["balance"])
		assert.NotEmpty(t, card["card_number"])
		assert.NotEmpty(t, card["qr_code"])
		assert.NotEmpty(t, data["qr_image"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero balance skips ledger entry", func(t *testing.T) {
		cs, mock, _ := newCardService(t)

		now := time.Now()
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO cards").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(6, now, now))
		mock.ExpectCommit()

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards", map[string]any{
			"family_name": "Test Family",
		}))

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing family name", func(t *testing.T) {
		cs, _, _ := newCardService(t)

		rr := serveCard(cs, authedRequest(http.MethodPost, "/cards", map[string]any{
			"initial_balance": 100,
		}))
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}
