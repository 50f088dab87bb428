package models

import (
	"time"
)

// Card represents a prepaid card scoped to one station. Balance is stored in
// the smallest currency unit and only ever changes through the debit engine.
type Card struct {
	ID         int64     `json:"id" db:"id"`
	CardNumber string    `json:"card_number" db:"card_number"`
	QRCode     string    `json:"qr_code" db:"qr_code"`
	FamilyName string    `json:"family_name" db:"family_name"`
	Phone      string    `json:"phone" db:"phone"`
	StationID  int64     `json:"station_id" db:"station_id"`
	Balance    int64     `json:"balance" db:"balance"`
	Status     string    `json:"status" db:"status"`
	Notes      string    `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Card status values
const (
	CardStatusActive   = "active"
	CardStatusInactive = "inactive"
	CardStatusBlocked  = "blocked"
)

// IsActive reports whether the card may be debited.
func (c *Card) IsActive() bool {
	return c.Status == CardStatusActive
}

// CardQRCacheKey is the cache key for lookup-by-QR results.
func CardQRCacheKey(qrCode string) string {
	return "card:qr:" + qrCode
}

// CardNumberCacheKey is the cache key for lookup-by-number results.
func CardNumberCacheKey(cardNumber string) string {
	return "card:number:" + cardNumber
}
