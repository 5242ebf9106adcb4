package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

// ErrExceededDuringStream is raised by the mid-stream kill switch; the
// proxy converts it into a terminal SSE error event.
var ErrExceededDuringStream = errors.New("budget exceeded during stream")

// ExceededError is the pre-flight rejection, carrying the amounts the
// client sees in the 403 body.
type ExceededError struct {
	CurrentUsage float64
	Budget       float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: %.4f of %.4f used", e.CurrentUsage, e.Budget)
}

// UsageStore is the primary-store side of the engine: finalized monthly
// usage per key. The redis side holds only in-flight reservations.
type UsageStore interface {
	LoadUsage(ctx context.Context, apiKeyID uuid.UUID) (float64, error)
	// AddUsage adds the finalized cost and stamps last_used_at. A zero
	// amount still stamps.
	AddUsage(ctx context.Context, apiKeyID uuid.UUID, amount float64) error
	ResetMonth(ctx context.Context, apiKeyID uuid.UUID, month string) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore backs the engine with the api_keys table.
func NewGormStore(db *gorm.DB) UsageStore {
	return &gormStore{db: db}
}

func (s *gormStore) LoadUsage(ctx context.Context, apiKeyID uuid.UUID) (float64, error) {
	var usage float64
	err := s.db.WithContext(ctx).Model(&models.ApiKey{}).
		Where("id = ?", apiKeyID).
		Pluck("usage_current_month", &usage).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load current usage: %w", err)
	}
	return usage, nil
}

func (s *gormStore) AddUsage(ctx context.Context, apiKeyID uuid.UUID, amount float64) error {
	updates := map[string]interface{}{"last_used_at": time.Now()}
	if amount != 0 {
		updates["usage_current_month"] = gorm.Expr("usage_current_month + ?", amount)
	}
	err := s.db.WithContext(ctx).Model(&models.ApiKey{}).
		Where("id = ?", apiKeyID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *gormStore) ResetMonth(ctx context.Context, apiKeyID uuid.UUID, month string) error {
	err := s.db.WithContext(ctx).Model(&models.ApiKey{}).
		Where("id = ?", apiKeyID).
		Updates(map[string]interface{}{
			"usage_current_month": 0,
			"last_reset_month":    month,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return nil
}

// reserveScript is the atomic check-and-increment over the pending
// counter. Redis executes scripts single-threaded, so no two concurrent
// reservations can both pass the check. Returns {1, new_pending} on
// success, {0, pending} on rejection.
const reserveScript = `
local pending = tonumber(redis.call('GET', KEYS[1]) or '0')
local db_usage = tonumber(ARGV[1])
local estimated = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
if db_usage + pending + estimated > limit then
	return {0, tostring(pending)}
end
local new_pending = redis.call('INCRBYFLOAT', KEYS[1], estimated)
redis.call('EXPIRE', KEYS[1], ttl)
return {1, new_pending}
`

// Engine enforces the monthly budget invariant: at any instant,
// db_usage + sum(active_pending) never exceeds budget_monthly, even under
// concurrent requests. Finalized usage lives in the primary store;
// in-flight reservations live in redis and expire after ReservationTTL as
// a safety net against crashed workers.
type Engine struct {
	store          UsageStore
	redis          *redis.Client
	logger         *zap.Logger
	reservationTTL time.Duration
	dbCacheTTL     time.Duration
}

func NewEngine(store UsageStore, redisClient *redis.Client, logger *zap.Logger, reservationTTL, dbCacheTTL time.Duration) *Engine {
	if reservationTTL <= 0 {
		reservationTTL = 300 * time.Second
	}
	if dbCacheTTL <= 0 {
		dbCacheTTL = 5 * time.Second
	}
	return &Engine{
		store:          store,
		redis:          redisClient,
		logger:         logger,
		reservationTTL: reservationTTL,
		dbCacheTTL:     dbCacheTTL,
	}
}

func pendingKey(apiKeyID uuid.UUID) string {
	return "budget:pending:" + apiKeyID.String()
}

func dbUsageKey(apiKeyID uuid.UUID) string {
	return "budget:db:" + apiKeyID.String()
}

// EstimateCost sizes a reservation pessimistically: the token ceiling is
// priced as if fully consumed on both the input and output side. Actual
// cost is reconciled at release.
func EstimateCost(model *models.Model, maxTokens *int) float64 {
	effectiveMax := model.ContextWindow / 2
	if maxTokens != nil {
		effectiveMax = *maxTokens
	}
	return float64(effectiveMax) / 1e6 * (model.InputCost + model.OutputCost)
}

// Reserve runs the two-phase pre-flight: monthly rollover, cached read of
// finalized usage, then the atomic check-and-increment against the pending
// counter. Returns the reserved amount; keys without a budget reserve
// nothing and never fail.
func (e *Engine) Reserve(ctx context.Context, apiKey *models.ApiKey, model *models.Model, maxTokens *int) (float64, error) {
	if err := e.rolloverIfNeeded(ctx, apiKey); err != nil {
		return 0, err
	}

	if apiKey.BudgetMonthly == nil {
		return 0, nil
	}
	limit := *apiKey.BudgetMonthly

	estimated := EstimateCost(model, maxTokens)

	dbUsage, err := e.cachedDBUsage(ctx, apiKey.ID)
	if err != nil {
		return 0, err
	}

	ttlSeconds := int(e.reservationTTL.Seconds())
	raw, err := e.redis.Eval(ctx, reserveScript,
		[]string{pendingKey(apiKey.ID)},
		dbUsage, estimated, limit, ttlSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("budget reservation script failed: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, fmt.Errorf("unexpected reservation reply: %v", raw)
	}
	accepted, _ := reply[0].(int64)
	if accepted != 1 {
		pending := parseFloatReply(reply[1])
		e.logger.Info("Budget reservation rejected",
			zap.String("api_key_id", apiKey.ID.String()),
			zap.Float64("db_usage", dbUsage),
			zap.Float64("pending", pending),
			zap.Float64("estimated", estimated),
			zap.Float64("limit", limit))
		return 0, &ExceededError{CurrentUsage: dbUsage + pending, Budget: limit}
	}

	return estimated, nil
}

// Release is the second phase and must run on every exit path: it returns
// the reservation to the pool, adds the actual cost to finalized usage and
// drops the stale usage cache.
func (e *Engine) Release(ctx context.Context, apiKeyID uuid.UUID, estimatedCost, actualCost float64) error {
	if estimatedCost > 0 {
		if err := e.redis.IncrByFloat(ctx, pendingKey(apiKeyID), -estimatedCost).Err(); err != nil {
			e.logger.Error("Failed to release budget reservation",
				zap.String("api_key_id", apiKeyID.String()),
				zap.Error(err))
		}
	}

	if err := e.store.AddUsage(ctx, apiKeyID, actualCost); err != nil {
		return err
	}

	if err := e.redis.Del(ctx, dbUsageKey(apiKeyID)).Err(); err != nil {
		e.logger.Warn("Failed to invalidate usage cache", zap.Error(err))
	}
	return nil
}

// CheckMidStream is the kill switch the streaming proxy invokes every 50
// chunks: usageSnapshot is the finalized usage read at reservation time,
// costSoFar the running cost of the stream.
func (e *Engine) CheckMidStream(apiKey *models.ApiKey, usageSnapshot, costSoFar float64) error {
	if apiKey.BudgetMonthly == nil {
		return nil
	}
	if usageSnapshot+costSoFar >= *apiKey.BudgetMonthly {
		return ErrExceededDuringStream
	}
	return nil
}

// Pending reads the live reservation sum, for the metrics endpoint and
// tests.
func (e *Engine) Pending(ctx context.Context, apiKeyID uuid.UUID) (float64, error) {
	val, err := e.redis.Get(ctx, pendingKey(apiKeyID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// rolloverIfNeeded zeroes the monthly counter when the calendar month has
// changed since the key's last reset. The write is idempotent; concurrent
// requests racing on the rollover all set the same values.
func (e *Engine) rolloverIfNeeded(ctx context.Context, apiKey *models.ApiKey) error {
	current := time.Now().UTC().Format("2006-01")
	if apiKey.LastResetMonth == current {
		return nil
	}

	if err := e.store.ResetMonth(ctx, apiKey.ID, current); err != nil {
		return err
	}

	apiKey.UsageCurrentMonth = 0
	apiKey.LastResetMonth = current
	e.redis.Del(ctx, dbUsageKey(apiKey.ID))
	return nil
}

// cachedDBUsage reads finalized usage through a short-lived cache.
// Staleness inflates the effective limit by at most one cache window's
// worth of finalized traffic; the reservation check itself is never stale.
func (e *Engine) cachedDBUsage(ctx context.Context, apiKeyID uuid.UUID) (float64, error) {
	if val, err := e.redis.Get(ctx, dbUsageKey(apiKeyID)).Float64(); err == nil {
		return val, nil
	}

	usage, err := e.store.LoadUsage(ctx, apiKeyID)
	if err != nil {
		return 0, err
	}

	if err := e.redis.Set(ctx, dbUsageKey(apiKeyID),
		strconv.FormatFloat(usage, 'f', -1, 64), e.dbCacheTTL).Err(); err != nil {
		e.logger.Warn("Failed to cache db usage", zap.Error(err))
	}
	return usage, nil
}

func parseFloatReply(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}
