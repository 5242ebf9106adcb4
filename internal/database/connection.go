package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/logger"
	"github.com/llmgate/llmgate/internal/models"
)

type Database struct {
	DB *gorm.DB
}

func Initialize(cfg config.DatabaseConfig) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.New(
			logger.NewGormLogger(logger.Get()),
			gormlogger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}

	db, err := gorm.Open(postgres.Open(cfg.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Database{DB: db}, nil
}

// Migrate creates or updates the schema. The usage_logs table is
// range-partitioned in production; partition DDL is managed out-of-band, so
// AutoMigrate only maintains columns and indexes.
func (d *Database) Migrate() error {
	return d.DB.AutoMigrate(
		&models.User{},
		&models.App{},
		&models.ApiKey{},
		&models.Model{},
		&models.ModelEndpoint{},
		&models.UsageLog{},
		&models.AuditLog{},
	)
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Stats exposes pool counters for the performance metrics endpoint.
func (d *Database) Stats() (map[string]interface{}, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, err
	}
	s := sqlDB.Stats()
	return map[string]interface{}{
		"open_connections": s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"wait_count":       s.WaitCount,
		"wait_duration_ms": s.WaitDuration.Milliseconds(),
	}, nil
}
