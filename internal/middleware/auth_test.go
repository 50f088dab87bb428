package middleware

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watercard/backend/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, workerID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"worker_id":  workerID,
		"station_id": int64(3),
		"role":       "worker",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func workerRows(workerStatus, stationStatus string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "station_id", "role", "status", "s_status"}).
		AddRow(7, 3, "worker", workerStatus, stationStatus)
}

func newAuthMiddleware(t *testing.T) (*AuthMiddleware, sqlmock.Sqlmock) {
	t.Helper()
	viper.Set("jwt.secret_key", testSecret)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuthMiddleware(db, nil), mock
}

func serveAuthenticated(m *AuthMiddleware, req *http.Request) (*httptest.ResponseRecorder, *models.WorkerContext) {
	var captured *models.WorkerContext
	handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wc, ok := WorkerFromContext(r.Context()); ok {
			captured = &wc
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, captured
}

func TestAuthenticate(t *testing.T) {
	t.Run("valid token loads worker context", func(t *testing.T) {
		m, mock := newAuthMiddleware(t)

		mock.ExpectQuery("FROM workers w").
			WithArgs(int64(7)).
			WillReturnRows(workerRows("active", "active"))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, 7))

		rr, wc := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, wc)
		assert.Equal(t, int64(7), wc.WorkerID)
		assert.Equal(t, int64(3), wc.StationID)
		assert.Equal(t, models.WorkerRoleWorker, wc.Role)
	})

	t.Run("missing header", func(t *testing.T) {
		m, _ := newAuthMiddleware(t)

		rr, _ := serveAuthenticated(m, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		m, _ := newAuthMiddleware(t)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Token abc")

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("token signed with wrong key", func(t *testing.T) {
		m, _ := newAuthMiddleware(t)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"worker_id": int64(7),
			"exp":       time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		m, _ := newAuthMiddleware(t)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"worker_id": int64(7),
			"exp":       time.Now().Add(-time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("worker no longer exists", func(t *testing.T) {
		m, mock := newAuthMiddleware(t)

		mock.ExpectQuery("FROM workers w").
			WithArgs(int64(7)).
			WillReturnError(sql.ErrNoRows)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, 7))

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("inactive worker refused", func(t *testing.T) {
		m, mock := newAuthMiddleware(t)

		mock.ExpectQuery("FROM workers w").
			WithArgs(int64(7)).
			WillReturnRows(workerRows("inactive", "active"))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, 7))

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("inactive station refused", func(t *testing.T) {
		m, mock := newAuthMiddleware(t)

		mock.ExpectQuery("FROM workers w").
			WithArgs(int64(7)).
			WillReturnRows(workerRows("active", "inactive"))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, 7))

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("blacklisted token refused", func(t *testing.T) {
		viper.Set("jwt.secret_key", testSecret)
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		m := NewAuthMiddleware(db, redisClient)

		token := signToken(t, 7)
		redisMock.ExpectExists("blacklist:" + token).SetVal(1)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rr, _ := serveAuthenticated(m, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestRequireSupervisor(t *testing.T) {
	handler := RequireSupervisor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("supervisor allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithWorker(req.Context(), models.WorkerContext{
			WorkerID: 1, StationID: 3, Role: models.WorkerRoleSupervisor,
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("worker refused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithWorker(req.Context(), models.WorkerContext{
			WorkerID: 1, StationID: 3, Role: models.WorkerRoleWorker,
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("unauthenticated refused", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}
