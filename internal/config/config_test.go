package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, existed := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if existed {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestValidateEnvMissingRequiredFields(t *testing.T) {
	clearEnv(t, "JWT_SECRET", "PORT")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnvRejectsShortSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "too-short")
	setEnv(t, "PORT", "8080")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidateEnvRejectsInvalidPort(t *testing.T) {
	setEnv(t, "JWT_SECRET", "0123456789012345678901234567890123456789")
	setEnv(t, "PORT", "not-a-port")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a valid port number")
}

func TestValidateEnvAppliesDefaults(t *testing.T) {
	clearEnv(t, "GO_ENV", "ALLOW_ANONYMOUS", "REQUIRE_AUTH", "AUTO_CREATE_ROOMS",
		"RATE_LIMIT_MESSAGES_PER_SECOND", "MAX_CONNECTIONS_PER_USER")
	setEnv(t, "JWT_SECRET", "0123456789012345678901234567890123456789")
	setEnv(t, "PORT", "8080")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.True(t, cfg.AllowAnonymous)
	assert.False(t, cfg.RequireAuth)
	assert.True(t, cfg.AutoCreateRooms)
	assert.Equal(t, 10.0, cfg.RateLimitMessagesPerSecond)
	assert.Equal(t, 5, cfg.MaxConnectionsPerUser)
}

func TestValidateEnvRequiresRedisAddrFormatWhenEnabled(t *testing.T) {
	setEnv(t, "JWT_SECRET", "0123456789012345678901234567890123456789")
	setEnv(t, "PORT", "8080")
	setEnv(t, "REDIS_ENABLED", "true")
	setEnv(t, "REDIS_ADDR", "not-valid")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format")
}

func TestValidateEnvDefaultsRedisAddrWhenEnabledButUnset(t *testing.T) {
	setEnv(t, "JWT_SECRET", "0123456789012345678901234567890123456789")
	setEnv(t, "PORT", "8080")
	setEnv(t, "REDIS_ENABLED", "true")
	clearEnv(t, "REDIS_ADDR")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestRedactSecretTruncatesLongSecrets(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "12345678***", redactSecret("123456789012345"))
}
