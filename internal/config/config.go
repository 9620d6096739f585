// Package config provides configuration helpers that define runtime defaults,
// validation, and environment loading for the ifschat service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DevJWTSecret is used when JWT_SECRET is not set. It must never reach production.
const DevJWTSecret = "replace-this-with-a-strong-secret"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// DatabaseConfig selects the relational driver and connection string.
type DatabaseConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Database       DatabaseConfig

	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	LogLevel  string
	LogFormat string

	OTelEndpoint    string
	OTelServiceName string
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Port: ":3000",
		AllowedOrigins: []string{
			"http://localhost:5173",
		},
		JWTSecret:      DevJWTSecret,
		TokenTTL:       time.Hour,
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "file:ifschat.db?_foreign_keys=on",
			AutoMigrate: true,
		},
		KafkaTopic:      "messages.created",
		LogLevel:        "info",
		LogFormat:       "json",
		OTelServiceName: "ifschat",
	}
}

// Sanitize fills zero values with defaults and normalizes the port.
func (c *Config) Sanitize() {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.JWTSecret == "" {
		c.JWTSecret = def.JWTSecret
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.DSN == "" {
		c.Database.DSN = def.Database.DSN
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = def.KafkaTopic
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.OTelServiceName == "" {
		c.OTelServiceName = def.OTelServiceName
	}
}

// UsesDevSecret reports whether the token signing secret is the built-in fallback.
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == DevJWTSecret
}

// FromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func FromEnv() *Config {
	cfg := Default()

	if port := firstEnv("PORT", "SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := firstEnv("CORS_ORIGIN", "ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = ParseList(origins)
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if ttl := os.Getenv("JWT_TTL_SECONDS"); ttl != "" {
		cfg.TokenTTL = parseSeconds(ttl, cfg.TokenTTL)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseInt(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if migrate := os.Getenv("AUTO_MIGRATE"); migrate != "" {
		cfg.Database.AutoMigrate = parseBool(migrate, cfg.Database.AutoMigrate)
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = ParseList(brokers)
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.KafkaTopic = topic
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	cfg.OTelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.OTelServiceName = name
	}

	cfg.Sanitize()
	return cfg
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// ParseList splits a comma separated value, trimming blanks.
func ParseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
