package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
	UsageCancelled UsageStatus = "cancelled"
)

// UsageLog is the billing record for one request. The table is
// range-partitioned by created_at, hence the composite primary key.
// RequestMetadata never contains message content.
type UsageLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"primaryKey" json:"created_at"`

	UserOID   string     `gorm:"index;not null" json:"user_oid"`
	APIKeyID  *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`
	AppID     *string    `gorm:"index" json:"app_id,omitempty"`
	RequestID string     `gorm:"index" json:"request_id"`

	RequestedModel string     `json:"requested_model"`
	ActualModel    string     `json:"actual_model"`
	EndpointID     *uuid.UUID `gorm:"type:uuid" json:"endpoint_id,omitempty"`

	InputTokens         int `gorm:"default:0" json:"input_tokens"`
	OutputTokens        int `gorm:"default:0" json:"output_tokens"`
	CacheCreationTokens int `gorm:"default:0" json:"cache_creation_tokens"`
	CacheReadTokens     int `gorm:"default:0" json:"cache_read_tokens"`

	Cost         float64 `gorm:"type:decimal(12,6);default:0" json:"cost"`
	InternalCost float64 `gorm:"type:decimal(12,6);default:0" json:"internal_cost"`

	Status      UsageStatus `gorm:"default:pending;index" json:"status"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	LatencyMs   *int        `json:"latency_ms,omitempty"`
	TTFTMs      *int        `gorm:"column:ttft_ms" json:"ttft_ms,omitempty"`

	RequestMetadata datatypes.JSON `json:"request_metadata,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}

func (l *UsageLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Terminal reports whether the log has left the pending state.
func (s UsageStatus) Terminal() bool {
	return s == UsageCompleted || s == UsageFailed || s == UsageCancelled
}
