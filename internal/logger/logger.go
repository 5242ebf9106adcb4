package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/llmgate/llmgate/internal/config"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		zapConfig.OutputPaths = []string{cfg.OutputPath}
		zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	Logger = logger
	Sugar = logger.Sugar()

	return logger, nil
}

func Get() *zap.Logger {
	if Logger == nil {
		logger, _ := zap.NewProduction()
		Logger = logger
		Sugar = logger.Sugar()
	}
	return Logger
}

// NewRequestLogger returns a logger bound to one request id.
func NewRequestLogger(requestID string) *zap.Logger {
	return Get().With(zap.String("request_id", requestID))
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// GormLogger adapts zap to gorm's Printf-style logger interface.
type GormLogger struct {
	ZapLogger *zap.Logger
}

func NewGormLogger(zapLogger *zap.Logger) *GormLogger {
	return &GormLogger{ZapLogger: zapLogger}
}

func (l *GormLogger) Printf(format string, args ...interface{}) {
	l.ZapLogger.Sugar().Debugf(format, args...)
}
