package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "key")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("CALL_RING_TIMEOUT_SECONDS", "")
	t.Setenv("FEED_POLL_INTERVAL_MS", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 30*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, time.Second, cfg.FeedPollInterval)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Contains(t, cfg.DSN(), "postgres://")
}

func TestLoadSQLiteAndLists(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "key")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("LEGACY_ENCRYPTION_KEYS", " a , ,b")
	t.Setenv("CALL_RING_TIMEOUT_SECONDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.DSN())
	assert.Equal(t, []string{"a", "b"}, cfg.LegacyEncryptKeys)
	assert.Zero(t, cfg.CallRingTimeout)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "key")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "mysql")
	_, err = Load()
	assert.Error(t, err)
}
