package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentActive  PaymentStatus = "active"
	PaymentTrial   PaymentStatus = "trial"
	PaymentExpired PaymentStatus = "expired"
	PaymentBanned  PaymentStatus = "banned"
)

// User is identified by an opaque stable oid assigned by the upstream
// identity system; the gateway never mints oids itself.
type User struct {
	OID               string        `gorm:"primaryKey;column:oid" json:"oid"`
	Email             string        `gorm:"index" json:"email"`
	PaymentStatus     PaymentStatus `gorm:"default:trial" json:"payment_status"`
	PaymentValidUntil *time.Time    `json:"payment_valid_until,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// PaymentLapsed reports whether the user's paid period has lapsed relative
// to now. Banned users are handled separately and never auto-transition.
func (u *User) PaymentLapsed(now time.Time) bool {
	if u.PaymentStatus == PaymentBanned || u.PaymentStatus == PaymentExpired {
		return false
	}
	if u.PaymentValidUntil == nil {
		return false
	}
	return u.PaymentValidUntil.Before(now.Truncate(24 * time.Hour))
}
