package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ApiKey stores only the salted SHA-256 of the plaintext key. The
// (hashed_key, salt) pair is immutable; rotation creates a new row and links
// the old one via ReplacedBy.
type ApiKey struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserOID       string         `gorm:"index;not null" json:"user_oid"`
	User          User           `gorm:"foreignKey:UserOID;references:OID" json:"-"`
	HashedKey     string         `gorm:"uniqueIndex;not null" json:"-"`
	Salt          string         `gorm:"not null" json:"-"`
	DisplayPrefix string         `json:"display_prefix"`
	Label         string         `json:"label"`
	AllowedModels pq.StringArray `gorm:"type:text[]" json:"allowed_models,omitempty"`
	AllowedIPs    pq.StringArray `gorm:"type:text[]" json:"allowed_ips,omitempty"`
	Scopes        pq.StringArray `gorm:"type:text[]" json:"scopes,omitempty"`
	RateLimitRPM  int            `gorm:"default:60" json:"rate_limit_rpm"`

	// Monetary columns are decimals in postgres; float64 here tolerates
	// sub-cent divergence that release reconciles against the fast store.
	BudgetMonthly     *float64 `gorm:"type:decimal(12,4)" json:"budget_monthly,omitempty"`
	UsageCurrentMonth float64  `gorm:"type:decimal(12,4);default:0" json:"usage_current_month"`
	LastResetMonth    string   `json:"last_reset_month"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	ReplacedBy *uuid.UUID `gorm:"type:uuid" json:"replaced_by,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}

func (k *ApiKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// AllowsModel reports whether the key may call the given model. An empty
// allowlist means no restriction.
func (k *ApiKey) AllowsModel(modelID string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// AllowsIP reports whether the client IP is permitted. An empty allowlist
// means no restriction.
func (k *ApiKey) AllowsIP(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}
