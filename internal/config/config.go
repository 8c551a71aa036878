/**
 * @description
 * This file handles configuration management for the payment emission service.
 * It loads settings from environment variables and an optional .env file,
 * providing defaults for cron schedules, locking and outbox delivery.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RunLockPostgres = "postgres"
	RunLockRedis    = "redis"
	RunLockLocal    = "local"
)

// Config holds all configuration for the payment emission service.
type Config struct {
	ServerPort                     string `mapstructure:"SERVER_PORT"`
	DatabaseURL                    string `mapstructure:"DATABASE_URL"`
	RedisURL                       string `mapstructure:"REDIS_URL"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey                 string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins             string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	EmissionJobSchedule            string `mapstructure:"EMISSION_JOB_SCHEDULE"`
	StaleIntentJobSchedule         string `mapstructure:"STALE_INTENT_JOB_SCHEDULE"`
	StaleIntentAfterMinutes        int    `mapstructure:"STALE_INTENT_AFTER_MINUTES"`
	BusinessTimezone               string `mapstructure:"BUSINESS_TIMEZONE"`
	EmissionConcurrency            int    `mapstructure:"EMISSION_CONCURRENCY"`
	ProviderTimeoutSeconds         int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	DefaultMaxRetries              int    `mapstructure:"DEFAULT_MAX_RETRIES"`
	RunLockBackend                 string `mapstructure:"RUN_LOCK_BACKEND"`
	RunLockKey                     string `mapstructure:"RUN_LOCK_KEY"`
	RunLockTTLSeconds              int    `mapstructure:"RUN_LOCK_TTL_SECONDS"`
	CalendarServiceURL             string `mapstructure:"CALENDAR_SERVICE_URL"`
	CalendarServiceInternalAPIKey  string `mapstructure:"CALENDAR_SERVICE_INTERNAL_API_KEY"`
	RetryServiceURL                string `mapstructure:"RETRY_SERVICE_URL"`
	RetryServiceInternalAPIKey     string `mapstructure:"RETRY_SERVICE_INTERNAL_API_KEY"`
	GoCardlessGatewayURL           string `mapstructure:"GOCARDLESS_GATEWAY_URL"`
	GoCardlessAccessToken          string `mapstructure:"GOCARDLESS_ACCESS_TOKEN"`
	StripeSecretKey                string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeAPIURL                   string `mapstructure:"STRIPE_API_URL"`
	EventExchange                  string `mapstructure:"EVENT_EXCHANGE"`
	SettlementQueue                string `mapstructure:"SETTLEMENT_QUEUE"`
	EventFanoutEnabled             bool   `mapstructure:"EVENT_FANOUT_ENABLED"`
	OutboxBatchSize                int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollIntervalMilliseconds int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
}

// LoadConfig reads configuration from environment variables and the optional
// .env file found in path.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EMISSION_JOB_SCHEDULE", "0 6 * * *")        // Every day at 06:00.
	viper.SetDefault("STALE_INTENT_JOB_SCHEDULE", "*/30 * * * *") // Every 30 minutes.
	viper.SetDefault("STALE_INTENT_AFTER_MINUTES", 1440)
	viper.SetDefault("BUSINESS_TIMEZONE", "Europe/Paris")
	viper.SetDefault("EMISSION_CONCURRENCY", 1)
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DEFAULT_MAX_RETRIES", 3)
	viper.SetDefault("RUN_LOCK_BACKEND", RunLockPostgres)
	viper.SetDefault("RUN_LOCK_KEY", "payments:emission:run")
	viper.SetDefault("RUN_LOCK_TTL_SECONDS", 900)
	viper.SetDefault("EVENT_EXCHANGE", "payments.events")
	viper.SetDefault("SETTLEMENT_QUEUE", "payment_emission_service.settlements")
	viper.SetDefault("EVENT_FANOUT_ENABLED", true)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("EMISSION_JOB_SCHEDULE")
	_ = viper.BindEnv("STALE_INTENT_JOB_SCHEDULE")
	_ = viper.BindEnv("STALE_INTENT_AFTER_MINUTES")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("EMISSION_CONCURRENCY")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DEFAULT_MAX_RETRIES")
	_ = viper.BindEnv("RUN_LOCK_BACKEND")
	_ = viper.BindEnv("RUN_LOCK_KEY")
	_ = viper.BindEnv("RUN_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("CALENDAR_SERVICE_URL")
	_ = viper.BindEnv("CALENDAR_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RETRY_SERVICE_URL")
	_ = viper.BindEnv("RETRY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GOCARDLESS_GATEWAY_URL")
	_ = viper.BindEnv("GOCARDLESS_ACCESS_TOKEN")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_API_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_QUEUE")
	_ = viper.BindEnv("EVENT_FANOUT_ENABLED")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RetryServiceInternalAPIKey = strings.TrimSpace(config.RetryServiceInternalAPIKey)
	if config.RetryServiceInternalAPIKey == "" {
		config.RetryServiceInternalAPIKey = config.InternalAPIKey
	}
	config.CalendarServiceInternalAPIKey = strings.TrimSpace(config.CalendarServiceInternalAPIKey)
	if config.CalendarServiceInternalAPIKey == "" {
		config.CalendarServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RunLockBackend = strings.ToLower(strings.TrimSpace(config.RunLockBackend))

	if config.EmissionConcurrency <= 0 {
		config.EmissionConcurrency = 1
	}
	if config.ProviderTimeoutSeconds <= 0 {
		config.ProviderTimeoutSeconds = 30
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = 0
	}
	if config.StaleIntentAfterMinutes <= 0 {
		config.StaleIntentAfterMinutes = 1440
	}
	if config.RunLockTTLSeconds <= 0 {
		config.RunLockTTLSeconds = 900
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxPollIntervalMilliseconds <= 0 {
		config.OutboxPollIntervalMilliseconds = 1200
	}

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	switch config.RunLockBackend {
	case RunLockPostgres, RunLockLocal:
	case RunLockRedis:
		if config.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when RUN_LOCK_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("RUN_LOCK_BACKEND must be one of postgres, redis, local; got %q", config.RunLockBackend)
	}

	return &config, nil
}

// Location resolves BUSINESS_TIMEZONE, falling back to UTC when it is unknown.
func (c Config) Location() *time.Location {
	name := strings.TrimSpace(c.BusinessTimezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid BUSINESS_TIMEZONE; using UTC\" value=%q err=%v", name, err)
		return time.UTC
	}
	return loc
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c Config) RunLockTTL() time.Duration {
	return time.Duration(c.RunLockTTLSeconds) * time.Second
}

func (c Config) StaleIntentAfter() time.Duration {
	return time.Duration(c.StaleIntentAfterMinutes) * time.Minute
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMilliseconds) * time.Millisecond
}
