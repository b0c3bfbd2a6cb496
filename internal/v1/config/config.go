package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the tunables of the room session coordinator.
const (
	DefaultLeaseTTL         = 10 * time.Second
	DefaultUserTTL          = 30 * time.Second
	DefaultReaperInterval   = 3 * time.Second
	DefaultOutboundQueue    = 256
	DefaultSnapshotMaxBytes = 1 << 20 // 1 MiB
	DefaultMaxUsers         = 10
)

// DefaultColorPalette is the fallback participant palette.
var DefaultColorPalette = []string{"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A"}

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Redis backing store
	RedisAddr     string
	RedisPassword string

	// Session coordinator tunables
	LeaseTTL         time.Duration
	UserTTL          time.Duration
	ReaperInterval   time.Duration
	OutboundQueue    int
	SnapshotMaxBytes int
	MaxUsersDefault  int
	ColorPalette     []string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Tracing
	OTLPCollectorAddr string

	// Rate Limits
	RateLimitAPIRooms string
	RateLimitWsIP     string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

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

	// REDIS_ADDR backs every store; default to localhost for local development.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	var err error
	if cfg.LeaseTTL, err = millisEnv("LEASE_TTL_MS", DefaultLeaseTTL); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.UserTTL, err = millisEnv("USER_TTL_MS", DefaultUserTTL); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.ReaperInterval, err = millisEnv("REAPER_INTERVAL_MS", DefaultReaperInterval); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.OutboundQueue, err = intEnv("SESSION_OUTBOUND_QUEUE", DefaultOutboundQueue); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.SnapshotMaxBytes, err = intEnv("SNAPSHOT_MAX_BYTES", DefaultSnapshotMaxBytes); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxUsersDefault, err = intEnv("MAX_USERS_DEFAULT", DefaultMaxUsers); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.ColorPalette = parsePalette(os.Getenv("COLOR_PALETTE"))

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// millisEnv parses an optional millisecond-valued environment variable.
func millisEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (got '%s')", key, raw)
	}
	return n, nil
}

// parsePalette splits a comma-separated color list, falling back to the default palette.
func parsePalette(raw string) []string {
	if raw == "" {
		return append([]string(nil), DefaultColorPalette...)
	}
	var palette []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			palette = append(palette, c)
		}
	}
	if len(palette) == 0 {
		return append([]string(nil), DefaultColorPalette...)
	}
	return palette
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"lease_ttl", cfg.LeaseTTL,
		"user_ttl", cfg.UserTTL,
		"reaper_interval", cfg.ReaperInterval,
		"outbound_queue", cfg.OutboundQueue,
		"snapshot_max_bytes", cfg.SnapshotMaxBytes,
		"max_users_default", cfg.MaxUsersDefault,
		"palette_size", len(cfg.ColorPalette),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
