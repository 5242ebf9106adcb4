package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

type RoutingStrategy string

const (
	RoutingRoundRobin   RoutingStrategy = "round-robin"
	RoutingLatencyBased RoutingStrategy = "latency-based"
	RoutingUsageBased   RoutingStrategy = "usage-based"
	RoutingRandom       RoutingStrategy = "random"
)

// ModelEndpoint is one concrete backend serving a logical model. APIKeyRef
// is an environment variable name, never the secret itself.
type ModelEndpoint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ModelID   string    `gorm:"index;not null" json:"model_id"`
	Model     Model     `gorm:"foreignKey:ModelID" json:"-"`
	BaseURL   string    `gorm:"not null" json:"base_url"`
	APIKeyRef string    `gorm:"column:api_key_ref" json:"api_key_ref"`

	RoutingPriority int             `gorm:"default:100" json:"routing_priority"`
	RoutingStrategy RoutingStrategy `gorm:"default:latency-based" json:"routing_strategy"`

	HealthCheckURL      string `json:"health_check_url"`
	HealthCheckInterval int    `gorm:"default:60" json:"health_check_interval"`
	HealthCheckTimeout  int    `gorm:"default:10" json:"health_check_timeout"`

	HealthStatus        HealthStatus `gorm:"default:unknown" json:"health_status"`
	ConsecutiveFailures int          `gorm:"default:0" json:"consecutive_failures"`
	AvgLatencyMs        float64      `gorm:"default:0" json:"avg_latency_ms"`
	NextCheckAt         time.Time    `gorm:"index" json:"next_check_at"`
	LastCheckedAt       *time.Time   `json:"last_checked_at,omitempty"`

	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ModelEndpoint) TableName() string {
	return "model_endpoints"
}

func (e *ModelEndpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// Eligible reports whether the endpoint may receive traffic. Down endpoints
// are excluded until the health loop recovers them.
func (e *ModelEndpoint) Eligible() bool {
	if !e.IsActive {
		return false
	}
	switch e.HealthStatus {
	case HealthHealthy, HealthDegraded, HealthUnknown:
		return true
	}
	return false
}

// ProbeURL is the URL the health loop hits for this endpoint.
func (e *ModelEndpoint) ProbeURL() string {
	if e.HealthCheckURL != "" {
		return e.HealthCheckURL
	}
	return e.BaseURL + "/health"
}
