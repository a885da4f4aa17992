package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("PUBLIC_BASE_URL", "https://app.example.fr/")
	t.Setenv("BOUNCE_POLL_INTERVAL", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "https://app.example.fr", cfg.PublicBaseURL)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 25, cfg.LedgerTxRetries)
	assert.Equal(t, 90*time.Second, cfg.Bounce.PollInterval)
	assert.Equal(t, "INBOX", cfg.Bounce.Mailbox)
	assert.False(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("EDL_TEST_SET", "valeur")
	t.Setenv("EDL_TEST_EMPTY", "")
	t.Setenv("EDL_TEST_BAD_INT", "douze")

	assert.Equal(t, "valeur", getEnv("EDL_TEST_SET", "defaut"))
	assert.Equal(t, "", getEnv("EDL_TEST_EMPTY", "defaut"))
	assert.Equal(t, "defaut", getEnv("EDL_TEST_UNSET", "defaut"))
	assert.Equal(t, 12, getEnvAsInt("EDL_TEST_BAD_INT", 12))
	assert.Equal(t, 12, getEnvAsInt("EDL_TEST_UNSET", 12))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"postgres without password", Config{StoreBackend: "postgres", JWTSecret: "x"}, "DB_PASSWORD"},
		{"redis disabled", Config{StoreBackend: "redis", JWTSecret: "x"}, "REDIS_ENABLED"},
		{"unknown backend", Config{StoreBackend: "firestore", JWTSecret: "x"}, "unknown STORE_BACKEND"},
		{"missing jwt", Config{StoreBackend: "redis", Redis: RedisConfig{Enabled: true}}, "JWT_SECRET"},
		{"production without smtp", Config{StoreBackend: "redis", Redis: RedisConfig{Enabled: true}, JWTSecret: "x", Environment: "production"}, "SMTP_HOST"},
		{"redis ok", Config{StoreBackend: "redis", Redis: RedisConfig{Enabled: true}, JWTSecret: "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=edl", maskPassword("host=db password=hunter2 dbname=edl"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
