// Package config validates and loads environment configuration, following
// the teacher's accumulate-all-errors-then-report pattern.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the collaboration
// server.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth0 / JWKS
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Session behavior (spec §6)
	RequireAuth           bool
	AllowAnonymous        bool
	AutoCreateRooms       bool
	SaveOnOperation       bool
	MaxMessageSize        int
	MessageTimeoutSeconds int
	FunctionTimeoutSeconds int
	MaxConnectionsPerUser int

	// Auth lockout (spec §7)
	AuthMaxAttempts     int
	AuthLockoutSeconds  int

	// Presence (spec §5)
	PresenceStaleTimeoutSeconds   int
	PresenceCleanupIntervalSeconds int

	// Per-connection token bucket rate limit (spec §7), distinct from the
	// HTTP/connection-admission limits below.
	RateLimitMessagesPerSecond float64

	// HTTP/connection-admission rate limits (Defaults: M = Minute, H = Hour)
	RateLimitApiGlobal   string
	RateLimitApiPublic   string
	RateLimitApiRooms    string
	RateLimitApiMessages string
	RateLimitWsIp        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Session behavior defaults match server.py's constructor defaults.
	cfg.RequireAuth = getEnvOrDefault("REQUIRE_AUTH", "false") == "true"
	cfg.AllowAnonymous = getEnvOrDefault("ALLOW_ANONYMOUS", "true") == "true"
	cfg.AutoCreateRooms = getEnvOrDefault("AUTO_CREATE_ROOMS", "true") == "true"
	cfg.SaveOnOperation = getEnvOrDefault("SAVE_ON_OPERATION", "false") == "true"
	cfg.MaxMessageSize = getEnvOrDefaultInt("MAX_MESSAGE_SIZE", 65536)
	cfg.MessageTimeoutSeconds = getEnvOrDefaultInt("MESSAGE_TIMEOUT_SECONDS", 60)
	cfg.FunctionTimeoutSeconds = getEnvOrDefaultInt("FUNCTION_TIMEOUT_SECONDS", 30)
	cfg.MaxConnectionsPerUser = getEnvOrDefaultInt("MAX_CONNECTIONS_PER_USER", 5)

	cfg.AuthMaxAttempts = getEnvOrDefaultInt("AUTH_MAX_ATTEMPTS", 5)
	cfg.AuthLockoutSeconds = getEnvOrDefaultInt("AUTH_LOCKOUT_SECONDS", 300)

	cfg.PresenceStaleTimeoutSeconds = getEnvOrDefaultInt("PRESENCE_STALE_TIMEOUT_SECONDS", 30)
	cfg.PresenceCleanupIntervalSeconds = getEnvOrDefaultInt("PRESENCE_CLEANUP_INTERVAL_SECONDS", 10)

	cfg.RateLimitMessagesPerSecond = getEnvOrDefaultFloat("RATE_LIMIT_MESSAGES_PER_SECOND", 10.0)

	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitApiRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitApiMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"require_auth", cfg.RequireAuth,
		"allow_anonymous", cfg.AllowAnonymous,
		"auto_create_rooms", cfg.AutoCreateRooms,
		"rate_limit_messages_per_second", cfg.RateLimitMessagesPerSecond,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
