package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/logger"
	"github.com/llmgate/llmgate/internal/router"
	"github.com/llmgate/llmgate/internal/services/health"
	"github.com/llmgate/llmgate/internal/services/usage"
)

// Run boots the gateway and blocks until shutdown. Background tasks (the
// health loop and the retention sweeper) share the process lifetime and
// cancel cleanly on SIGINT/SIGTERM.
func Run(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zapLogger, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.Password != "" {
		redisOpts.Password = cfg.Redis.Password
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	handler := router.New(router.Dependencies{
		Config:   cfg,
		Database: db,
		Redis:    redisClient,
		Logger:   zapLogger,
	})

	// Background tasks.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	checker := health.NewChecker(db.DB, zapLogger, cfg.HealthCheck.PollInterval, cfg.HealthCheck.BatchSize)
	go checker.Run(bgCtx)

	sweeper := usage.NewSweeper(db.DB, zapLogger, cfg.Retention.LogRetentionDays, cfg.Retention.SweepInterval)
	go sweeper.Run(bgCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Gateway.Version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		zapLogger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	cancelBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	zapLogger.Info("Gateway stopped")
	return nil
}
