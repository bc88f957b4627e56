/**
 * @description
 * This package handles the configuration management for the escrow-service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLitePath               = "escrow.db"
	defaultRateLimitPrefix          = "escrow:rate_limit"
	defaultEventsExchange           = "escrow.events"
	defaultAutoReleaseMinutes       = 5
	defaultPaymentDeadlineMinutes   = 30
	defaultTransferCodeLength       = 40
	minTransferCodeLength           = 32
	defaultSweepSchedule            = "@every 30s"
	defaultSweepBatchSize           = 100
	defaultStatusPollLimitPerMinute = 120
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseDriver               string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	DatabaseAutoMigrate          bool   `mapstructure:"DATABASE_AUTO_MIGRATE"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventsExchange               string `mapstructure:"ESCROW_EVENTS_EXCHANGE"`
	AutoReleaseMinutes           int    `mapstructure:"AUTO_RELEASE_MINUTES"`
	PaymentDeadlineMinutes       int    `mapstructure:"PAYMENT_DEADLINE_MINUTES"`
	TransferShareBaseURL         string `mapstructure:"TRANSFER_SHARE_BASE_URL"`
	TransferCodeLength           int    `mapstructure:"TRANSFER_CODE_LENGTH"`
	AutoReleaseSweepSchedule     string `mapstructure:"AUTO_RELEASE_SWEEP_SCHEDULE"`
	AutoReleaseSweepBatchSize    int    `mapstructure:"AUTO_RELEASE_SWEEP_BATCH_SIZE"`
	StatusPollRateLimitPerMinute int    `mapstructure:"STATUS_POLL_RATE_LIMIT_PER_MINUTE"`
	AdminJWTSecret               string `mapstructure:"ADMIN_JWT_SECRET"`
	AdminJWKSURL                 string `mapstructure:"ADMIN_JWKS_URL"`
	AdminJWTIssuer               string `mapstructure:"ADMIN_JWT_ISSUER"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel                     string `mapstructure:"LOG_LEVEL"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_DRIVER", DriverPostgres)
	viper.SetDefault("DATABASE_AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("ESCROW_EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("AUTO_RELEASE_MINUTES", defaultAutoReleaseMinutes)
	viper.SetDefault("PAYMENT_DEADLINE_MINUTES", defaultPaymentDeadlineMinutes)
	viper.SetDefault("TRANSFER_SHARE_BASE_URL", "http://localhost:8000")
	viper.SetDefault("TRANSFER_CODE_LENGTH", defaultTransferCodeLength)
	viper.SetDefault("AUTO_RELEASE_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("AUTO_RELEASE_SWEEP_BATCH_SIZE", defaultSweepBatchSize)
	viper.SetDefault("STATUS_POLL_RATE_LIMIT_PER_MINUTE", defaultStatusPollLimitPerMinute)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ESCROW_EVENTS_EXCHANGE")
	_ = viper.BindEnv("AUTO_RELEASE_MINUTES")
	_ = viper.BindEnv("PAYMENT_DEADLINE_MINUTES")
	_ = viper.BindEnv("TRANSFER_SHARE_BASE_URL", "TRANSFER_SHARE_BASE_URL", "APP_URL")
	_ = viper.BindEnv("TRANSFER_CODE_LENGTH")
	_ = viper.BindEnv("AUTO_RELEASE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("AUTO_RELEASE_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("STATUS_POLL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	_ = viper.BindEnv("ADMIN_JWT_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")

	// A missing .env file is fine; anything else is logged and environment values are used.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	if config.DatabaseDriver == "sqlite3" {
		config.DatabaseDriver = DriverSQLite
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseDriver == DriverSQLite && config.DatabaseURL == "" {
		config.DatabaseURL = defaultSQLitePath
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.TransferShareBaseURL = strings.TrimRight(strings.TrimSpace(config.TransferShareBaseURL), "/")
	config.AutoReleaseSweepSchedule = strings.TrimSpace(config.AutoReleaseSweepSchedule)
	if config.AutoReleaseSweepSchedule == "" {
		config.AutoReleaseSweepSchedule = defaultSweepSchedule
	}
	config.AdminJWTSecret = strings.TrimSpace(config.AdminJWTSecret)
	config.AdminJWKSURL = strings.TrimSpace(config.AdminJWKSURL)
	config.AdminJWTIssuer = strings.TrimSpace(config.AdminJWTIssuer)

	if config.AutoReleaseMinutes <= 0 {
		slog.Warn("non-positive auto-release window configured; using default", "component", "config", "auto_release_minutes", config.AutoReleaseMinutes)
		config.AutoReleaseMinutes = defaultAutoReleaseMinutes
	}
	if config.PaymentDeadlineMinutes <= 0 {
		slog.Warn("non-positive payment deadline configured; using default", "component", "config", "payment_deadline_minutes", config.PaymentDeadlineMinutes)
		config.PaymentDeadlineMinutes = defaultPaymentDeadlineMinutes
	}
	if config.TransferCodeLength < minTransferCodeLength {
		slog.Warn("transfer code length too short; raising to minimum", "component", "config", "transfer_code_length", config.TransferCodeLength, "minimum", minTransferCodeLength)
		config.TransferCodeLength = minTransferCodeLength
	}
	if config.AutoReleaseSweepBatchSize <= 0 {
		config.AutoReleaseSweepBatchSize = defaultSweepBatchSize
	}
	if config.StatusPollRateLimitPerMinute <= 0 {
		config.StatusPollRateLimitPerMinute = defaultStatusPollLimitPerMinute
	}

	err = config.Validate()
	return
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", DriverPostgres)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want %s or %s)", c.DatabaseDriver, DriverPostgres, DriverSQLite)
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
