package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
	"github.com/llmgate/llmgate/internal/services/errclass"
)

// Recorder owns the usage-log state machine: a log is created pending and
// transitions to exactly one of completed, failed or cancelled.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRecorder(db *gorm.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// StartParams identifies the request being billed. Metadata is sanitized
// before persisting; message content never reaches the log.
type StartParams struct {
	UserOID        string
	APIKeyID       *uuid.UUID
	AppID          *string
	RequestID      string
	RequestedModel string
	EndpointID     *uuid.UUID
	Metadata       map[string]interface{}
}

// Start creates the pending log row before the backend is called.
func (r *Recorder) Start(ctx context.Context, p StartParams) (*models.UsageLog, error) {
	log := &models.UsageLog{
		UserOID:        p.UserOID,
		APIKeyID:       p.APIKeyID,
		AppID:          p.AppID,
		RequestID:      p.RequestID,
		RequestedModel: p.RequestedModel,
		EndpointID:     p.EndpointID,
		Status:         models.UsagePending,
	}
	if p.Metadata != nil {
		if raw, err := json.Marshal(errclass.SanitizeMetadata(p.Metadata)); err == nil {
			log.RequestMetadata = raw
		}
	}

	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return nil, fmt.Errorf("failed to create usage log: %w", err)
	}
	return log, nil
}

// FinalizeParams is the terminal update applied to a pending log.
type FinalizeParams struct {
	Status       models.UsageStatus
	ActualModel  string
	InputTokens  int
	OutputTokens int
	Cost         float64
	InternalCost float64
	TTFTMs       *int
	ErrorCode    string
	ErrorMessage string
}

// Finalize applies the terminal transition exactly once: the UPDATE is
// guarded on status='pending', so a second finalization (for instance
// disconnect racing with stream completion) is a no-op.
func (r *Recorder) Finalize(ctx context.Context, log *models.UsageLog, p FinalizeParams) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", p.Status)
	}

	now := time.Now().UTC()
	latencyMs := int(now.Sub(log.CreatedAt).Milliseconds())

	updates := map[string]interface{}{
		"status":        p.Status,
		"actual_model":  p.ActualModel,
		"input_tokens":  p.InputTokens,
		"output_tokens": p.OutputTokens,
		"cost":          p.Cost,
		"internal_cost": p.InternalCost,
		"completed_at":  now,
		"latency_ms":    latencyMs,
	}
	if p.TTFTMs != nil {
		updates["ttft_ms"] = *p.TTFTMs
	}
	if p.ErrorCode != "" {
		updates["error_code"] = p.ErrorCode
	}
	if p.ErrorMessage != "" {
		updates["error_message"] = errclass.Sanitize(p.ErrorMessage)
	}

	result := r.db.WithContext(ctx).Model(&models.UsageLog{}).
		Where("id = ? AND created_at = ? AND status = ?", log.ID, log.CreatedAt, models.UsagePending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finalize usage log: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		r.logger.Warn("Usage log already finalized",
			zap.String("usage_log_id", log.ID.String()),
			zap.String("attempted_status", string(p.Status)))
		return nil
	}

	log.Status = p.Status
	log.CompletedAt = &now
	return nil
}

// RecordAudit appends one audit row. Audit writes never fail a request;
// errors are logged and swallowed.
func (r *Recorder) RecordAudit(ctx context.Context, actorOID, action, targetType, targetID string, metadata map[string]interface{}, clientIP string) {
	entry := models.AuditLog{
		AdminOID:   actorOID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		IPAddress:  clientIP,
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.Error(err))
	}
}
