package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available for model")

// Selector picks a backend endpoint for a model at request time. Endpoints
// marked down are excluded; unknown and degraded ones stay in rotation so
// a cold or flapping backend can still take traffic.
type Selector struct {
	db     *gorm.DB
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(db *gorm.DB, logger *zap.Logger) *Selector {
	return &Selector{
		db:     db,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select returns an eligible endpoint for the model, weighted by inverse
// latency when the strategy asks for it.
func (s *Selector) Select(ctx context.Context, modelID string) (*models.ModelEndpoint, error) {
	var candidates []models.ModelEndpoint
	err := s.db.WithContext(ctx).
		Where("model_id = ? AND is_active = ? AND health_status IN ?",
			modelID, true,
			[]models.HealthStatus{models.HealthHealthy, models.HealthDegraded, models.HealthUnknown}).
		Order("routing_priority ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	chosen := s.pick(candidates)
	s.logger.Debug("Selected endpoint",
		zap.String("model_id", modelID),
		zap.String("endpoint_id", chosen.ID.String()),
		zap.String("strategy", string(chosen.RoutingStrategy)),
		zap.Float64("avg_latency_ms", chosen.AvgLatencyMs))
	return chosen, nil
}

// pick applies the routing strategy over the candidate set. Latency-based
// weights each endpoint by 1/max(avg_latency_ms, 1); the other strategies
// degrade to a uniform pick, which is fair over time.
func (s *Selector) pick(candidates []models.ModelEndpoint) *models.ModelEndpoint {
	if len(candidates) == 1 {
		return &candidates[0]
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	latencyBased := candidates[0].RoutingStrategy == models.RoutingLatencyBased
	for i := range candidates {
		w := 1.0
		if latencyBased {
			latency := candidates[i].AvgLatencyMs
			if latency < 1 {
				latency = 1
			}
			w = 1 / latency
		}
		weights[i] = w
		total += w
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for i := range candidates {
		r -= weights[i]
		if r <= 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}
