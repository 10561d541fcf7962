package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("USER_ID", "user-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.AppPort)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "notifications", cfg.DynamoTables.Notifications)
	assert.Equal(t, int32(100), cfg.SnapshotPageSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.GapThreshold)
	assert.Equal(t, 4, cfg.Sync.SnapshotMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Sync.PersistTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.False(t, cfg.PushGapless)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("USER_ID", "user-1")
	t.Setenv("APP_ENV", "production")
	t.Setenv("GAP_THRESHOLD", "5s")
	t.Setenv("PUSH_GAPLESS", "true")
	t.Setenv("PUSH_URL", "https://push.example.com/events")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Second, cfg.Sync.GapThreshold)
	assert.True(t, cfg.PushGapless)
	assert.Equal(t, "https://push.example.com/events", cfg.PushURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_MissingUserID(t *testing.T) {
	t.Setenv("USER_ID", "")

	_, err := Load()
	assert.ErrorContains(t, err, "UserID")
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("USER_ID", "user-1")
	t.Setenv("APP_ENV", "qa")

	_, err := Load()
	assert.ErrorContains(t, err, "AppEnv")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: from-file\nresync_interval: 1m\n"), 0o600))
	t.Setenv("BADGE_CONFIG_FILE", path)
	t.Setenv("USER_ID", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.UserID)
	assert.Equal(t, time.Minute, cfg.Sync.ResyncInterval)
}
