package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/watercard/backend/internal/models"
)

type contextKey string

const workerContextKey contextKey = "worker"

// WithWorker returns a context carrying the authenticated caller.
func WithWorker(ctx context.Context, wc models.WorkerContext) context.Context {
	return context.WithValue(ctx, workerContextKey, wc)
}

// WorkerFromContext extracts the authenticated caller set by Authenticate.
func WorkerFromContext(ctx context.Context) (models.WorkerContext, bool) {
	wc, ok := ctx.Value(workerContextKey).(models.WorkerContext)
	return wc, ok
}

// AuthMiddleware validates worker JWTs and verifies the worker and their
// station are still active before letting a request reach the engine.
type AuthMiddleware struct {
	db    *sql.DB
	redis *redis.Client
}

func NewAuthMiddleware(db *sql.DB, redisClient *redis.Client) *AuthMiddleware {
	return &AuthMiddleware{db: db, redis: redisClient}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "Invalid authorization header format")
			return
		}
		tokenString := parts[1]

		if m.isBlacklisted(r.Context(), tokenString) {
			unauthorized(w, "Token has been revoked")
			return
		}

		workerID, err := parseWorkerToken(tokenString)
		if err != nil {
			unauthorized(w, "Invalid token")
			return
		}

		wc, err := m.loadActiveWorker(r.Context(), workerID)
		if err != nil {
			if err == sql.ErrNoRows {
				unauthorized(w, "Worker not found")
			} else if errInactive, ok := err.(*inactiveError); ok {
				forbidden(w, errInactive.message)
			} else {
				log.Printf("[AUTH] Worker lookup failed for %d: %v", workerID, err)
				http.Error(w, "Authentication failed", http.StatusInternalServerError)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithWorker(r.Context(), wc)))
	})
}

// RequireSupervisor gates endpoints reserved for supervisors. Must run after
// Authenticate.
func RequireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, ok := WorkerFromContext(r.Context())
		if !ok || wc.Role != models.WorkerRoleSupervisor {
			forbidden(w, "Supervisor role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) isBlacklisted(ctx context.Context, token string) bool {
	if m.redis == nil {
		return false
	}
	exists, err := m.redis.Exists(ctx, "blacklist:"+token).Result()
	if err != nil {
		log.Printf("[AUTH] Blacklist check failed: %v", err)
		return false
	}
	return exists > 0
}

type inactiveError struct {
	message string
}

func (e *inactiveError) Error() string { return e.message }

// loadActiveWorker rebuilds the caller context from the database rather than
// trusting claims: station assignment and status may have changed since the
// token was issued.
func (m *AuthMiddleware) loadActiveWorker(ctx context.Context, workerID int64) (models.WorkerContext, error) {
	var wc models.WorkerContext
	var workerStatus, stationStatus string
	err := m.db.QueryRowContext(ctx, `
		SELECT w.id, w.station_id, w.role, w.status, s.status
		FROM workers w
		INNER JOIN stations s ON w.station_id = s.id
		WHERE w.id = $1`, workerID).Scan(
		&wc.WorkerID, &wc.StationID, &wc.Role, &workerStatus, &stationStatus)
	if err != nil {
		return wc, err
	}
	if workerStatus != models.StatusActive {
		return wc, &inactiveError{message: "Worker account is inactive"}
	}
	if stationStatus != models.StatusActive {
		return wc, &inactiveError{message: "Assigned station is inactive"}
	}
	return wc, nil
}

func parseWorkerToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	workerID, ok := claims["worker_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("worker_id claim missing")
	}
	return int64(workerID), nil
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusUnauthorized, message)
}

func forbidden(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusForbidden, message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}
