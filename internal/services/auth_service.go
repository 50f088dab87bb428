package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/watercard/backend/internal/middleware"
	"github.com/watercard/backend/internal/models"
	"golang.org/x/crypto/argon2"
)

// AuthService handles worker login, logout and token refresh. Session
// issuance stays outside the debit engine; the engine only ever sees the
// WorkerContext the middleware derives from these tokens.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// LoginRequest is the worker credential payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
}

// Login authenticates a worker and returns a JWT.
// @Summary Worker login
// @Tags auth
// @Accept json
// @Produce json
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	var worker models.Worker
	var stationName, stationLocation, stationStatus string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT w.id, w.name, w.username, w.password, COALESCE(w.phone, ''),
		       w.station_id, w.role, w.status, s.name, COALESCE(s.location, ''), s.status
		FROM workers w
		INNER JOIN stations s ON w.station_id = s.id
		WHERE w.username = $1`, req.Username).Scan(
		&worker.ID, &worker.Name, &worker.Username, &worker.Password, &worker.Phone,
		&worker.StationID, &worker.Role, &worker.Status,
		&stationName, &stationLocation, &stationStatus)
	if err != nil {
		log.Printf("[AUTH] Worker not found for username: %s", req.Username)
		SendErrorResponse(w, "Invalid username or password", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, worker.Password) {
		log.Printf("[AUTH] Invalid password for worker: %s", req.Username)
		SendErrorResponse(w, "Invalid username or password", http.StatusUnauthorized, nil)
		return
	}

	if worker.Status != models.StatusActive {
		SendErrorResponse(w, "Worker account is inactive", http.StatusForbidden, nil)
		return
	}
	if stationStatus != models.StatusActive {
		SendErrorResponse(w, "Assigned station is inactive", http.StatusForbidden, nil)
		return
	}

	if _, err := s.db.ExecContext(r.Context(),
		`UPDATE workers SET last_login = NOW() WHERE id = $1`, worker.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for worker %d: %v", worker.ID, err)
	}

	token, expiresIn, err := generateWorkerJWT(worker.ID, worker.StationID, worker.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for worker %d: %v", worker.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for worker %d", worker.ID)
	SendSuccessResponse(w, http.StatusOK, "Login successful", map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": expiresIn,
		"worker": map[string]any{
			"id":       worker.ID,
			"name":     worker.Name,
			"username": worker.Username,
			"role":     worker.Role,
			"station": map[string]any{
				"id":       worker.StationID,
				"name":     stationName,
				"location": stationLocation,
			},
		},
	})
}

// GetProfile returns the authenticated worker's profile.
// @Summary Worker profile
// @Tags auth
// @Produce json
// @Router /auth/profile [get]
func (s *AuthService) GetProfile(w http.ResponseWriter, r *http.Request) {
	wc, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var worker models.Worker
	var stationName, stationLocation, orgName string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT w.id, w.name, w.username, COALESCE(w.phone, ''), w.role, w.last_login,
		       s.name, COALESCE(s.location, ''), o.name
		FROM workers w
		INNER JOIN stations s ON w.station_id = s.id
		INNER JOIN organizations o ON s.organization_id = o.id
		WHERE w.id = $1`, wc.WorkerID).Scan(
		&worker.ID, &worker.Name, &worker.Username, &worker.Phone, &worker.Role,
		&worker.LastLogin, &stationName, &stationLocation, &orgName)
	if err != nil {
		log.Printf("[AUTH] Profile fetch failed for worker %d: %v", wc.WorkerID, err)
		SendErrorResponse(w, "Failed to fetch profile", http.StatusInternalServerError, nil)
		return
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"worker": map[string]any{
			"id":         worker.ID,
			"name":       worker.Name,
			"username":   worker.Username,
			"phone":      worker.Phone,
			"role":       worker.Role,
			"last_login": worker.LastLogin,
			"station": map[string]any{
				"id":           wc.StationID,
				"name":         stationName,
				"location":     stationLocation,
				"organization": orgName,
			},
		},
	})
}

// Refresh issues a fresh token for an already-authenticated worker.
// @Summary Refresh token
// @Tags auth
// @Produce json
// @Router /auth/refresh [post]
func (s *AuthService) Refresh(w http.ResponseWriter, r *http.Request) {
	wc, ok := middleware.WorkerFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	token, expiresIn, err := generateWorkerJWT(wc.WorkerID, wc.StationID, wc.Role)
	if err != nil {
		log.Printf("[AUTH] Token refresh failed for worker %d: %v", wc.WorkerID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": expiresIn,
	})
}

// Logout blacklists the presented token until it would have expired.
// @Summary Worker logout
// @Tags auth
// @Produce json
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")
		if s.redis != nil {
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(context.Background(), "blacklist:"+token, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	SendSuccessResponse(w, http.StatusOK, "Successfully logged out", nil)
}

func generateWorkerJWT(workerID, stationID int64, role string) (string, int64, error) {
	expiryHours := viper.GetInt("jwt.expiry_hours")
	if expiryHours <= 0 {
		expiryHours = 24
	}
	expiresIn := int64(expiryHours) * 3600

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"worker_id":  workerID,
		"station_id": stationID,
		"role":       role,
		"exp":        time.Now().Add(time.Duration(expiryHours) * time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte(viper.GetString("jwt.secret_key")))
	return signed, expiresIn, err
}

// HashPassword derives an argon2id hash in "salt$hash" form for seeding and
// worker administration.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength())
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argonKey(password, salt)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	computed := argonKey(password, salt)
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func argonKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
}

func argonSaltLength() int {
	if n := viper.GetInt("argon2.salt_length"); n > 0 {
		return n
	}
	return 16
}
