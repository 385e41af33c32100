// Package config loads and validates the gateway's environment configuration:
// a flat struct populated from
// environment variables, validation errors accumulated and returned together,
// sensible defaults, and a redacted log of the resolved configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// RoomLimits holds the per-resource-type room capacity table plus a
// "default" fallback.
type RoomLimits struct {
	AdminPanel int
	Chat       int
	Default    int
	ByType     map[string]int
}

// CapacityFor resolves the configured capacity for a room of the given
// resource type, falling back to Default when unconfigured.
func (r RoomLimits) CapacityFor(resourceType string) int {
	if n, ok := r.ByType[resourceType]; ok {
		return n
	}
	switch resourceType {
	case "admin_panel":
		return r.AdminPanel
	case "chat":
		return r.Chat
	default:
		return r.Default
	}
}

// Config holds validated gateway configuration.
type Config struct {
	Port       string
	Namespace  string
	CORSOrigin string
	Transports []string

	PingInterval time.Duration
	PingTimeout  time.Duration

	MaxConnectionsPerUser int
	RoomLimits            RoomLimits

	LockTTL           time.Duration
	WarningTime       time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	EnableAutoLock bool

	JWTSecret    string
	JWKSURL      string
	AuthAudience string
	SkipAuth     bool

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	ResourceValidatorBaseURL string

	GoEnv    string
	LogLevel string

	RateLimitAdminGlobal string

	AdminToken string
}

// Load validates all required environment variables and returns a Config.
// Returns an error aggregating every validation failure found.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.Namespace = getEnvOrDefault("NAMESPACE", "/")
	if !strings.HasPrefix(cfg.Namespace, "/") {
		errs = append(errs, fmt.Sprintf("NAMESPACE must start with '/' (got %q)", cfg.Namespace))
	}

	cfg.CORSOrigin = getEnvOrDefault("CORS_ORIGIN", "*")

	transportsRaw := getEnvOrDefault("TRANSPORTS", "websocket")
	cfg.Transports = splitNonEmpty(transportsRaw)
	if len(cfg.Transports) == 0 {
		errs = append(errs, "TRANSPORTS must be a non-empty comma-separated list")
	}

	cfg.PingInterval = getDurationMs("CONNECTION_PING_INTERVAL_MS", 25_000)
	cfg.PingTimeout = getDurationMs("CONNECTION_PING_TIMEOUT_MS", 20_000)

	cfg.MaxConnectionsPerUser = getIntOrDefault("LIMITS_MAX_CONNECTIONS_PER_USER", 5)

	cfg.RoomLimits = RoomLimits{
		AdminPanel: getIntOrDefault("ROOM_LIMITS_ADMIN_PANEL", 5),
		Chat:       getIntOrDefault("ROOM_LIMITS_CHAT", 100),
		Default:    getIntOrDefault("ROOM_LIMITS_DEFAULT", 50),
		ByType:     map[string]int{"resourceType": getIntOrDefault("ROOM_LIMITS_RESOURCE_TYPE", 20)},
	}

	cfg.LockTTL = getDurationMs("ACTIVITY_TRACKING_LOCK_TTL_MS", int((3 * time.Hour).Milliseconds()))
	cfg.WarningTime = getDurationMs("ACTIVITY_TRACKING_WARNING_TIME_MS", int((15 * time.Minute).Milliseconds()))
	cfg.SweepInterval = getDurationMs("ACTIVITY_TRACKING_SWEEP_INTERVAL_MS", int((1 * time.Minute).Milliseconds()))
	cfg.HeartbeatInterval = getDurationMs("ACTIVITY_TRACKING_HEARTBEAT_INTERVAL_MS", int((1 * time.Minute).Milliseconds()))

	cfg.EnableAutoLock = true
	if v, ok := os.LookupEnv("FEATURES_ENABLE_AUTO_LOCK"); ok {
		cfg.EnableAutoLock = parseBoolLike(v, true)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if !cfg.SkipAuth && cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		errs = append(errs, "either JWT_SECRET or JWKS_URL is required unless SKIP_AUTH=true")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.ResourceValidatorBaseURL = getEnvOrDefault("RESOURCE_VALIDATOR_BASE_URL", "http://localhost:8000/api/resources")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.RateLimitAdminGlobal = getEnvOrDefault("RATE_LIMIT_ADMIN_GLOBAL", "100-M")

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" && cfg.GoEnv == "production" {
		errs = append(errs, "ADMIN_TOKEN is required when GO_ENV=production")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logResolvedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logResolvedConfig(cfg *Config) {
	slog.Info("configuration validated",
		"port", cfg.Port,
		"namespace", cfg.Namespace,
		"transports", cfg.Transports,
		"max_connections_per_user", cfg.MaxConnectionsPerUser,
		"lock_ttl", cfg.LockTTL,
		"warning_time", cfg.WarningTime,
		"sweep_interval", cfg.SweepInterval,
		"enable_auto_lock", cfg.EnableAutoLock,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"jwt_secret", redactSecret(cfg.JWTSecret),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getIntOrDefault(key, defaultMs)) * time.Millisecond
}

func parseBoolLike(v string, defaultValue bool) bool {
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return defaultValue
	}
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
