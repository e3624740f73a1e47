// Package config provides configuration management for the bulk operation engine.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Import Path: farmops.io/bulkops/internal/config
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store backends.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Executor dispatch modes.
const (
	ExecutorModeSync       = "sync"
	ExecutorModeBackground = "background"
	ExecutorModeQueue      = "queue"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Retention RetentionConfig `mapstructure:"retention"`
	Security  SecurityConfig  `mapstructure:"security"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by the operation store, the entity store and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// StoreConfig selects the operation/entity storage backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // postgres or memory
	// FixturesFile preloads farm records and memberships into the memory backend.
	FixturesFile string `mapstructure:"fixtures_file"`
}

// RedisConfig enables the distributed executor claim lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	ItemsPoolSize   int `mapstructure:"items_pool_size"`
}

// ExecutorConfig tunes batch execution.
type ExecutorConfig struct {
	Mode               string        `mapstructure:"mode"` // sync, background or queue
	Parallelism        int           `mapstructure:"parallelism"`
	Deadline           time.Duration `mapstructure:"deadline"` // 0 disables
	ItemsPerSecond     float64       `mapstructure:"items_per_second"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	// StaleAfter is the grace past Deadline after which an in-progress batch
	// with no live executor is failed.
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	StaleSweepInterval time.Duration `mapstructure:"stale_sweep_interval"` // 0 disables
}

// RetentionConfig controls the periodic operation purge.
type RetentionConfig struct {
	OperationDays int           `mapstructure:"operation_days"` // 0 disables the sweep
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SecurityConfig contains security-related settings.
// The session secret signs and verifies bearer tokens (HS256).
type SecurityConfig struct {
	SessionSecret string `mapstructure:"session_secret"`
	TokenIssuer   string `mapstructure:"token_issuer"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	Stdout      bool    `mapstructure:"stdout"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Environment variables use standard names without prefix (DATABASE_URL, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/farmops-bulkops")

	// Maps nested config: executor.max_retry_attempts → EXECUTOR_MAX_RETRY_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Security.SessionSecret == "" {
		return fmt.Errorf("security.session_secret must not be empty")
	}
	if len(c.Security.SessionSecret) < 32 {
		return fmt.Errorf("security.session_secret must be at least 32 characters")
	}
	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.Store.Backend)
	}
	switch c.Executor.Mode {
	case ExecutorModeSync, ExecutorModeBackground:
	case ExecutorModeQueue:
		if c.Store.Backend != StoreBackendPostgres {
			return fmt.Errorf("executor.mode %q requires store.backend %q", ExecutorModeQueue, StoreBackendPostgres)
		}
	default:
		return fmt.Errorf("executor.mode must be one of sync, background, queue; got %q", c.Executor.Mode)
	}
	if c.Executor.Parallelism < 1 {
		return fmt.Errorf("executor.parallelism must be >= 1")
	}
	if c.Executor.MaxRetryAttempts < 1 {
		return fmt.Errorf("executor.max_retry_attempts must be >= 1")
	}
	if c.Executor.StaleAfter < 0 {
		return fmt.Errorf("executor.stale_after must not be negative")
	}
	if c.Executor.StaleSweepInterval < 0 {
		return fmt.Errorf("executor.stale_sweep_interval must not be negative")
	}
	if c.Executor.ItemsPerSecond < 0 {
		return fmt.Errorf("executor.items_per_second must not be negative")
	}
	if c.Retention.OperationDays < 0 {
		return fmt.Errorf("retention.operation_days must not be negative")
	}
	return nil
}

// ensureSecrets auto-generates a session secret on first boot if missing.
func (c *Config) ensureSecrets() error {
	if c.Security.SessionSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate session secret: %w", err)
		}
		c.Security.SessionSecret = secret
		logBootstrapWarn(
			"auto-generated session_secret; set SECURITY_SESSION_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_allowed_origins", []string{})

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bulkops")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "bulkops")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Store
	v.SetDefault("store.backend", StoreBackendPostgres)
	v.SetDefault("store.fixtures_file", "")

	// Redis (claim lock, disabled without addr)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.claim_ttl", "15m")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 4)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker Pool
	v.SetDefault("worker.general_pool_size", 16)
	v.SetDefault("worker.items_pool_size", 64)

	// Executor
	v.SetDefault("executor.mode", ExecutorModeSync)
	v.SetDefault("executor.parallelism", 1)
	v.SetDefault("executor.deadline", "0s")
	v.SetDefault("executor.items_per_second", 0)
	v.SetDefault("executor.cancel_poll_interval", "2s")
	v.SetDefault("executor.max_retry_attempts", 5)
	v.SetDefault("executor.stale_after", "30m")
	v.SetDefault("executor.stale_sweep_interval", "5m")

	// Retention
	v.SetDefault("retention.operation_days", 0)
	v.SetDefault("retention.sweep_interval", "24h")

	// Security
	v.SetDefault("security.session_secret", "")
	v.SetDefault("security.token_issuer", "farmops-bulkops")

	// Tracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "farmops-bulkops")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.stdout", false)
	v.SetDefault("tracing.sample_ratio", 0.1)
}
