package usage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/internal/models"
)

// Sweeper deletes usage logs past the retention horizon. Partition drops
// are handled out-of-band; the sweeper covers deployments running without
// partitioning.
type Sweeper struct {
	db            *gorm.DB
	logger        *zap.Logger
	retentionDays int
	interval      time.Duration
}

func NewSweeper(db *gorm.DB, logger *zap.Logger, retentionDays int, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{db: db, logger: logger, retentionDays: retentionDays, interval: interval}
}

// Run sweeps until the context is cancelled. A retention of zero disables
// deletion entirely.
func (s *Sweeper) Run(ctx context.Context) {
	if s.retentionDays <= 0 {
		s.logger.Info("Usage log retention disabled, sweeper not running")
		return
	}

	s.logger.Info("Retention sweeper started",
		zap.Int("retention_days", s.retentionDays),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.UsageLog{})
	if result.Error != nil {
		s.logger.Error("Retention sweep failed", zap.Error(result.Error))
		return
	}
	if result.RowsAffected > 0 {
		s.logger.Info("Retention sweep removed old usage logs",
			zap.Int64("rows", result.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
}
