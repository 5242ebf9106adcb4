package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

const (
	degradedRetryDelay = 30 * time.Second
	maxBackoff         = 300 * time.Second
	downThreshold      = 3
	latencyEMAWeight   = 0.2
)

// Checker polls endpoints on a due-time schedule and maintains their
// health status, latency EMA and backoff. A single instance runs per
// deployment; the next_check_at filter guarantees at most one probe in
// flight per endpoint.
type Checker struct {
	db           *gorm.DB
	logger       *zap.Logger
	client       *http.Client
	pollInterval time.Duration
	batchSize    int
}

func NewChecker(db *gorm.DB, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Checker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Checker{
		db:           db,
		logger:       logger,
		client:       &http.Client{},
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run executes the loop until the context is cancelled. Each tick fully
// drains its batch before sleeping, so a slow probe delays the next tick
// rather than overlapping it.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Info("Health check loop started",
		zap.Duration("poll_interval", c.pollInterval),
		zap.Int("batch_size", c.batchSize))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				c.logger.Error("Health check tick failed", zap.Error(err))
			}
		}
	}
}

func (c *Checker) tick(ctx context.Context) error {
	var due []models.ModelEndpoint
	err := c.db.WithContext(ctx).
		Where("is_active = ? AND next_check_at <= ?", true, time.Now()).
		Order("next_check_at ASC").
		Limit(c.batchSize).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to fetch due endpoints: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for i := range due {
		wg.Add(1)
		go func(e *models.ModelEndpoint) {
			defer wg.Done()
			c.checkOne(ctx, e)
		}(&due[i])
	}
	wg.Wait()
	return nil
}

// CheckNow runs a single probe immediately, for the admin-triggered manual
// check. The outcome is applied exactly as in the loop.
func (c *Checker) CheckNow(ctx context.Context, endpointID uuid.UUID) (*models.ModelEndpoint, error) {
	var endpoint models.ModelEndpoint
	if err := c.db.WithContext(ctx).First(&endpoint, "id = ?", endpointID).Error; err != nil {
		return nil, err
	}
	c.checkOne(ctx, &endpoint)
	return &endpoint, nil
}

func (c *Checker) checkOne(ctx context.Context, endpoint *models.ModelEndpoint) {
	outcome := c.probe(ctx, endpoint)
	applyOutcome(endpoint, outcome, time.Now())

	err := c.db.WithContext(ctx).Model(&models.ModelEndpoint{}).
		Where("id = ?", endpoint.ID).
		Updates(map[string]interface{}{
			"health_status":        endpoint.HealthStatus,
			"consecutive_failures": endpoint.ConsecutiveFailures,
			"avg_latency_ms":       endpoint.AvgLatencyMs,
			"next_check_at":        endpoint.NextCheckAt,
			"last_checked_at":      endpoint.LastCheckedAt,
		}).Error
	if err != nil {
		c.logger.Error("Failed to persist health check outcome",
			zap.String("endpoint_id", endpoint.ID.String()),
			zap.Error(err))
	}

	if endpoint.HealthStatus != models.HealthHealthy {
		c.logger.Warn("Endpoint unhealthy",
			zap.String("endpoint_id", endpoint.ID.String()),
			zap.String("model_id", endpoint.ModelID),
			zap.String("status", string(endpoint.HealthStatus)),
			zap.Int("consecutive_failures", endpoint.ConsecutiveFailures))
	}
}

// probeOutcome is what a single HTTP probe observed.
type probeOutcome struct {
	statusCode int
	latency    time.Duration
	err        error
}

func (c *Checker) probe(ctx context.Context, endpoint *models.ModelEndpoint) probeOutcome {
	timeout := time.Duration(endpoint.HealthCheckTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint.ProbeURL(), nil)
	if err != nil {
		return probeOutcome{err: err}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return probeOutcome{latency: latency, err: err}
	}
	defer resp.Body.Close()

	return probeOutcome{statusCode: resp.StatusCode, latency: latency}
}

// applyOutcome folds one probe result into the endpoint's health fields.
// Success resets the failure counter and updates the latency EMA; a
// reachable-but-unhealthy endpoint retries on a short fixed delay; an
// unreachable one backs off exponentially and goes down after three
// consecutive failures. health_check_interval is interpreted as seconds in
// both the success and backoff paths.
func applyOutcome(endpoint *models.ModelEndpoint, outcome probeOutcome, now time.Time) {
	checked := now
	endpoint.LastCheckedAt = &checked

	interval := time.Duration(endpoint.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	switch {
	case outcome.err != nil:
		endpoint.ConsecutiveFailures++
		if endpoint.ConsecutiveFailures >= downThreshold {
			endpoint.HealthStatus = models.HealthDown
		} else {
			endpoint.HealthStatus = models.HealthDegraded
		}
		backoff := time.Duration(float64(interval) * math.Pow(2, float64(endpoint.ConsecutiveFailures)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		endpoint.NextCheckAt = now.Add(backoff)

	case outcome.statusCode == http.StatusOK:
		endpoint.HealthStatus = models.HealthHealthy
		endpoint.ConsecutiveFailures = 0
		observed := float64(outcome.latency.Milliseconds())
		if endpoint.AvgLatencyMs == 0 {
			endpoint.AvgLatencyMs = observed
		} else {
			endpoint.AvgLatencyMs = (1-latencyEMAWeight)*endpoint.AvgLatencyMs + latencyEMAWeight*observed
		}
		endpoint.NextCheckAt = now.Add(interval)

	default:
		endpoint.HealthStatus = models.HealthDegraded
		endpoint.ConsecutiveFailures++
		endpoint.NextCheckAt = now.Add(degradedRetryDelay)
	}
}
