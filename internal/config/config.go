/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/transfer-service/internal/domain"
	"go.uber.org/zap"
)

const minScheduleMs = 1000

// Config holds all the configuration variables for the transfer-service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	AppEnv                     string `mapstructure:"APP_ENV"`
	LogLevel                   string `mapstructure:"LOG_LEVEL"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RunMigrations              bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	TransferEventsExchange     string `mapstructure:"TRANSFER_EVENTS_EXCHANGE"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	LockKeyPrefix              string `mapstructure:"LOCK_KEY_PREFIX"`
	LockTTLSeconds             int    `mapstructure:"LOCK_TTL_SECONDS"`
	LockAcquireTimeoutMs       int    `mapstructure:"LOCK_ACQUIRE_TIMEOUT_MS"`
	BreakerConsecutiveFailures uint32 `mapstructure:"BREAKER_CONSECUTIVE_FAILURES"`
	BreakerOpenSeconds         int    `mapstructure:"BREAKER_OPEN_SECONDS"`
	BalanceCachePrefix         string `mapstructure:"BALANCE_CACHE_PREFIX"`
	BalanceCacheTTLSeconds     int    `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	TransferDrainScheduleMs    int    `mapstructure:"TRANSFER_DRAIN_SCHEDULE_MS"`
	DrainBatchSize             int    `mapstructure:"DRAIN_BATCH_SIZE"`
	JobTimeoutSeconds          int    `mapstructure:"JOB_TIMEOUT_SECONDS"`
	InterestEnabled            bool   `mapstructure:"INTEREST_ENABLED"`
	InterestRate               string `mapstructure:"INTEREST_RATE"`
	InterestMaxMultiplier      string `mapstructure:"INTEREST_MAX_MULTIPLIER"`
	InterestScheduleMs         int    `mapstructure:"INTEREST_SCHEDULE_MS"`

	interestPolicy domain.InterestPolicy
}

var envKeys = []string{
	"SERVER_PORT", "APP_ENV", "LOG_LEVEL", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL",
	"RABBITMQ_URL", "TRANSFER_EVENTS_EXCHANGE", "INTERNAL_API_KEY", "LOCK_KEY_PREFIX",
	"LOCK_TTL_SECONDS", "LOCK_ACQUIRE_TIMEOUT_MS", "BREAKER_CONSECUTIVE_FAILURES",
	"BREAKER_OPEN_SECONDS", "BALANCE_CACHE_PREFIX", "BALANCE_CACHE_TTL_SECONDS",
	"TRANSFER_DRAIN_SCHEDULE_MS", "DRAIN_BATCH_SIZE", "JOB_TIMEOUT_SECONDS", "INTEREST_ENABLED",
	"INTEREST_RATE", "INTEREST_MAX_MULTIPLIER", "INTEREST_SCHEDULE_MS",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path, then validates it.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("TRANSFER_EVENTS_EXCHANGE", "transfer.events")
	v.SetDefault("LOCK_KEY_PREFIX", "transfer-lock")
	v.SetDefault("LOCK_TTL_SECONDS", 10)
	v.SetDefault("LOCK_ACQUIRE_TIMEOUT_MS", 2000)
	v.SetDefault("BREAKER_CONSECUTIVE_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_SECONDS", 30)
	v.SetDefault("BALANCE_CACHE_PREFIX", "accountBalance")
	v.SetDefault("BALANCE_CACHE_TTL_SECONDS", 300)
	v.SetDefault("TRANSFER_DRAIN_SCHEDULE_MS", 30000)
	v.SetDefault("DRAIN_BATCH_SIZE", 100)
	v.SetDefault("JOB_TIMEOUT_SECONDS", 25)
	v.SetDefault("INTEREST_ENABLED", true)
	v.SetDefault("INTEREST_RATE", "1.10")
	v.SetDefault("INTEREST_MAX_MULTIPLIER", "2.07")
	v.SetDefault("INTEREST_SCHEDULE_MS", 30000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("PORT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Warn("failed to read config file; using environment values",
				zap.String("component", "config"), zap.Error(err))
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if err = config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks required settings and bounds, and builds the interest policy.
func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		problems = append(problems, "REDIS_URL is required")
	}
	if c.LockTTLSeconds <= 0 {
		problems = append(problems, "LOCK_TTL_SECONDS must be positive")
	}
	if c.LockAcquireTimeoutMs <= 0 {
		problems = append(problems, "LOCK_ACQUIRE_TIMEOUT_MS must be positive")
	}
	if c.BreakerConsecutiveFailures == 0 {
		problems = append(problems, "BREAKER_CONSECUTIVE_FAILURES must be positive")
	}
	if c.BreakerOpenSeconds <= 0 {
		problems = append(problems, "BREAKER_OPEN_SECONDS must be positive")
	}
	if c.BalanceCacheTTLSeconds <= 0 {
		problems = append(problems, "BALANCE_CACHE_TTL_SECONDS must be positive")
	}
	if c.TransferDrainScheduleMs < minScheduleMs {
		problems = append(problems, fmt.Sprintf("TRANSFER_DRAIN_SCHEDULE_MS must be at least %d", minScheduleMs))
	}
	if c.InterestScheduleMs < minScheduleMs {
		problems = append(problems, fmt.Sprintf("INTEREST_SCHEDULE_MS must be at least %d", minScheduleMs))
	}
	if c.DrainBatchSize <= 0 {
		problems = append(problems, "DRAIN_BATCH_SIZE must be positive")
	}
	if c.JobTimeoutSeconds <= 0 {
		problems = append(problems, "JOB_TIMEOUT_SECONDS must be positive")
	}

	policy, err := domain.NewInterestPolicy(c.InterestRate, c.InterestMaxMultiplier)
	if err != nil {
		problems = append(problems, err.Error())
	}
	c.interestPolicy = policy

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InterestPolicy returns the policy built by Validate.
func (c Config) InterestPolicy() domain.InterestPolicy { return c.interestPolicy }

func (c Config) LockTTL() time.Duration { return time.Duration(c.LockTTLSeconds) * time.Second }

func (c Config) LockAcquireTimeout() time.Duration {
	return time.Duration(c.LockAcquireTimeoutMs) * time.Millisecond
}

func (c Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

func (c Config) BalanceCacheTTL() time.Duration {
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.TransferDrainScheduleMs) * time.Millisecond
}

func (c Config) InterestInterval() time.Duration {
	return time.Duration(c.InterestScheduleMs) * time.Millisecond
}

func (c Config) JobTimeout() time.Duration { return time.Duration(c.JobTimeoutSeconds) * time.Second }

// IsDevelopment reports whether console logging should be used.
func (c Config) IsDevelopment() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "development" || env == "dev" || env == "local"
}
