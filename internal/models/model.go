package models

import "time"

// Model is a logical model name with pricing. Costs are per one million
// tokens; the currency unit is opaque to the gateway.
type Model struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	Provider        string  `json:"provider"`
	InputCost       float64 `gorm:"type:decimal(12,4)" json:"input_cost"`
	OutputCost      float64 `gorm:"type:decimal(12,4)" json:"output_cost"`
	ContextWindow   int     `gorm:"default:8192" json:"context_window"`
	MaxOutputTokens int     `gorm:"default:4096" json:"max_output_tokens"`

	SupportsStreaming bool `gorm:"default:true" json:"supports_streaming"`
	SupportsFunctions bool `gorm:"default:false" json:"supports_functions"`
	SupportsVision    bool `gorm:"default:false" json:"supports_vision"`

	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Model) TableName() string {
	return "models"
}

// Cost computes the charge for a finished request at this model's current
// pricing. Pricing is captured into the usage log at completion, so later
// price edits never rewrite history.
func (m *Model) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputCost + float64(outputTokens)/1e6*m.OutputCost
}
