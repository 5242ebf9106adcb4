package key

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired")
	ErrKeyInactive = errors.New("api key inactive")
)

// Service verifies plaintext API keys against the salted hashes in the
// primary store, with a short-lived redis cache in front of the scan.
type Service struct {
	db       *gorm.DB
	redis    *redis.Client
	logger   *zap.Logger
	cacheTTL time.Duration
}

func NewService(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Service{
		db:       db,
		redis:    redisClient,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

func cacheKey(plaintext string) string {
	return "apikey:" + plaintext
}

// Verify resolves a plaintext key to its ApiKey row. Cache hit goes straight
// to a primary-key fetch; cache miss scans active keys and compares hashes
// in constant time. Validity (active, not expired) is checked on both paths
// so a cached id never bypasses expiry.
func (s *Service) Verify(ctx context.Context, plaintext string) (*models.ApiKey, error) {
	if cached, err := s.redis.Get(ctx, cacheKey(plaintext)).Result(); err == nil {
		id, parseErr := uuid.Parse(cached)
		if parseErr == nil {
			var apiKey models.ApiKey
			if err := s.db.WithContext(ctx).First(&apiKey, "id = ?", id).Error; err == nil {
				return s.validate(&apiKey)
			}
		}
		// Stale cache entry; fall through to the scan.
		s.redis.Del(ctx, cacheKey(plaintext))
	}

	var candidates []models.ApiKey
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to load api keys: %w", err)
	}

	for i := range candidates {
		if Matches(plaintext, candidates[i].Salt, candidates[i].HashedKey) {
			if err := s.redis.Set(ctx, cacheKey(plaintext), candidates[i].ID.String(), s.cacheTTL).Err(); err != nil {
				s.logger.Warn("Failed to cache api key lookup", zap.Error(err))
			}
			return s.validate(&candidates[i])
		}
	}

	return nil, ErrKeyNotFound
}

func (s *Service) validate(apiKey *models.ApiKey) (*models.ApiKey, error) {
	if !apiKey.IsActive {
		return nil, ErrKeyInactive
	}
	if apiKey.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	return apiKey, nil
}

// Create mints a key for a user and persists it. The returned GeneratedKey
// carries the plaintext, which is never stored.
func (s *Service) Create(ctx context.Context, userOID, label string, budgetMonthly *float64, rateLimitRPM int) (*models.ApiKey, *GeneratedKey, error) {
	generated, err := Generate()
	if err != nil {
		return nil, nil, err
	}

	apiKey := &models.ApiKey{
		UserOID:       userOID,
		HashedKey:     generated.HashedKey,
		Salt:          generated.Salt,
		DisplayPrefix: generated.DisplayPrefix,
		Label:         label,
		BudgetMonthly: budgetMonthly,
		RateLimitRPM:  rateLimitRPM,
		IsActive:      true,
	}
	if apiKey.RateLimitRPM <= 0 {
		apiKey.RateLimitRPM = 60
	}

	if err := s.db.WithContext(ctx).Create(apiKey).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create api key: %w", err)
	}
	return apiKey, generated, nil
}

// RotationResult is the rotate endpoint's response payload.
type RotationResult struct {
	OldKeyID         uuid.UUID `json:"old_key_id"`
	NewKeyID         uuid.UUID `json:"new_key_id"`
	NewKey           string    `json:"new_key"`
	DisplayPrefix    string    `json:"display_prefix"`
	ExpiresAt        time.Time `json:"expires_at"`
	GracePeriodHours int       `json:"grace_period_hours"`
	Warning          string    `json:"warning"`
}

// Rotate creates a replacement key inheriting the old key's limits and
// allowlists, then expires the old key after the grace period. The old
// (hashed_key, salt) pair is never touched.
func (s *Service) Rotate(ctx context.Context, keyID uuid.UUID, gracePeriodHours int, actorOID, clientIP string) (*RotationResult, error) {
	if gracePeriodHours <= 0 {
		gracePeriodHours = 24
	}

	generated, err := Generate()
	if err != nil {
		return nil, err
	}

	var result *RotationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oldKey models.ApiKey
		if err := tx.First(&oldKey, "id = ?", keyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		if !oldKey.IsActive {
			return ErrKeyInactive
		}

		newKey := models.ApiKey{
			UserOID:           oldKey.UserOID,
			HashedKey:         generated.HashedKey,
			Salt:              generated.Salt,
			DisplayPrefix:     generated.DisplayPrefix,
			Label:             oldKey.Label + " (Rotated)",
			AllowedModels:     oldKey.AllowedModels,
			AllowedIPs:        oldKey.AllowedIPs,
			Scopes:            oldKey.Scopes,
			RateLimitRPM:      oldKey.RateLimitRPM,
			BudgetMonthly:     oldKey.BudgetMonthly,
			UsageCurrentMonth: oldKey.UsageCurrentMonth,
			LastResetMonth:    oldKey.LastResetMonth,
			IsActive:          true,
			CreatedBy:         actorOID,
		}
		if err := tx.Create(&newKey).Error; err != nil {
			return fmt.Errorf("failed to create replacement key: %w", err)
		}

		expiresAt := time.Now().Add(time.Duration(gracePeriodHours) * time.Hour)
		updates := map[string]interface{}{
			"replaced_by": newKey.ID,
			"expires_at":  expiresAt,
			"label":       oldKey.Label + " (Deprecated)",
		}
		if err := tx.Model(&oldKey).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to deprecate old key: %w", err)
		}

		meta, _ := json.Marshal(map[string]interface{}{
			"old_key_id":         oldKey.ID.String(),
			"new_key_id":         newKey.ID.String(),
			"grace_period_hours": gracePeriodHours,
		})
		audit := models.AuditLog{
			AdminOID:   actorOID,
			Action:     "api_key.rotate",
			TargetType: "api_key",
			TargetID:   oldKey.ID.String(),
			Metadata:   meta,
			IPAddress:  clientIP,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}

		result = &RotationResult{
			OldKeyID:         oldKey.ID,
			NewKeyID:         newKey.ID,
			NewKey:           generated.Plaintext,
			DisplayPrefix:    generated.DisplayPrefix,
			ExpiresAt:        expiresAt,
			GracePeriodHours: gracePeriodHours,
			Warning:          fmt.Sprintf("The old key remains valid for %d hours, then expires permanently.", gracePeriodHours),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
