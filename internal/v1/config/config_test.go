package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"PORT", "NAMESPACE", "CORS_ORIGIN", "TRANSPORTS",
		"CONNECTION_PING_INTERVAL_MS", "CONNECTION_PING_TIMEOUT_MS",
		"LIMITS_MAX_CONNECTIONS_PER_USER",
		"ROOM_LIMITS_ADMIN_PANEL", "ROOM_LIMITS_CHAT", "ROOM_LIMITS_DEFAULT", "ROOM_LIMITS_RESOURCE_TYPE",
		"ACTIVITY_TRACKING_LOCK_TTL_MS", "ACTIVITY_TRACKING_WARNING_TIME_MS",
		"ACTIVITY_TRACKING_SWEEP_INTERVAL_MS", "ACTIVITY_TRACKING_HEARTBEAT_INTERVAL_MS",
		"FEATURES_ENABLE_AUTO_LOCK",
		"JWT_SECRET", "JWKS_URL", "SKIP_AUTH",
		"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
		"GO_ENV", "LOG_LEVEL",
	}
	orig := map[string]string{}
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("GO_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/", cfg.Namespace)
	assert.Equal(t, []string{"websocket"}, cfg.Transports)
	assert.Equal(t, 5, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 20, cfg.RoomLimits.CapacityFor("resourceType"))
	assert.Equal(t, 5, cfg.RoomLimits.CapacityFor("admin_panel"))
	assert.Equal(t, 100, cfg.RoomLimits.CapacityFor("chat"))
	assert.Equal(t, 50, cfg.RoomLimits.CapacityFor("anything_else"))
	assert.True(t, cfg.EnableAutoLock)
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("PORT", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoad_RejectsNamespaceWithoutLeadingSlash(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("NAMESPACE", "bad")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAMESPACE")
}

func TestLoad_RequiresAuthConfigurationUnlessSkipped(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET or JWKS_URL")
}

func TestLoad_EnvOverrideWinsForAutoLock(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("GO_ENV", "development")
	os.Setenv("FEATURES_ENABLE_AUTO_LOCK", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.EnableAutoLock)
}

func TestLoad_RedisRequiresValidAddrWhenEnabled(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "not-a-hostport")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, redactSecret(tt.secret))
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidHostPort(tt.addr))
		})
	}
}
