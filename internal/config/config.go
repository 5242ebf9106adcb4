package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	CORS        CORSConfig        `mapstructure:"cors"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GatewayConfig struct {
	SharedSecret   string        `mapstructure:"shared_secret"`
	APIKeyCacheTTL time.Duration `mapstructure:"api_key_cache_ttl"`
	BackendTimeout time.Duration `mapstructure:"backend_timeout"`
	Version        string        `mapstructure:"version"`
}

type BudgetConfig struct {
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	DBCacheTTL     time.Duration `mapstructure:"db_cache_ttl"`
}

type HealthCheckConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type RetentionConfig struct {
	// LogRetentionDays of 0 means usage logs are never deleted.
	LogRetentionDays int           `mapstructure:"log_retention_days"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/llmgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Gateway defaults
	viper.SetDefault("gateway.api_key_cache_ttl", "60s")
	viper.SetDefault("gateway.backend_timeout", "300s")
	viper.SetDefault("gateway.version", "2.3.0")

	// Budget defaults
	viper.SetDefault("budget.reservation_ttl", "300s")
	viper.SetDefault("budget.db_cache_ttl", "5s")

	// Health check defaults
	viper.SetDefault("health_check.poll_interval", "5s")
	viper.SetDefault("health_check.batch_size", 50)

	// Retention defaults
	viper.SetDefault("retention.log_retention_days", 0)
	viper.SetDefault("retention.sweep_interval", "1h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Gateway
	viper.BindEnv("gateway.shared_secret", "GATEWAY_SHARED_SECRET")
	viper.BindEnv("gateway.api_key_cache_ttl", "API_KEY_CACHE_TTL")
	viper.BindEnv("gateway.backend_timeout", "BACKEND_TIMEOUT")

	// Budget
	viper.BindEnv("budget.reservation_ttl", "BUDGET_RESERVATION_TTL")
	viper.BindEnv("budget.db_cache_ttl", "BUDGET_DB_CACHE_TTL")

	// Health check
	viper.BindEnv("health_check.poll_interval", "HEALTH_CHECK_POLL_INTERVAL")
	viper.BindEnv("health_check.batch_size", "HEALTH_CHECK_BATCH_SIZE")

	// Retention
	viper.BindEnv("retention.log_retention_days", "LOG_RETENTION_DAYS")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("cors.allowed_methods", "CORS_ALLOWED_METHODS")
	viper.BindEnv("cors.allowed_headers", "CORS_ALLOWED_HEADERS")
}

func Get() *Config {
	return cfg
}
