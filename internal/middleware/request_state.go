package middleware

import (
	"context"

	"github.com/llmgate/llmgate/internal/models"
)

type contextKey string

const stateKey contextKey = "gateway_state"

// RequestState is everything the guard pipeline resolved for a request.
// The body is parsed exactly once, in the guard; handlers read it from
// here instead of re-reading the wire.
type RequestState struct {
	RequestID     string
	UserOID       string
	AppID         *string
	APIKey        *models.ApiKey
	Model         *models.Model
	Body          map[string]interface{}
	EstimatedCost float64
	// UsageSnapshot is usage_current_month at reservation time, the base
	// the mid-stream kill switch projects from.
	UsageSnapshot float64
}

func withState(ctx context.Context, state *RequestState) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

// StateFromContext returns the guard's resolution, or nil on unguarded
// routes.
func StateFromContext(ctx context.Context) *RequestState {
	state, _ := ctx.Value(stateKey).(*RequestState)
	return state
}
