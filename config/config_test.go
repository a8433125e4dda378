package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig("")
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 10, cfg.Session.InitialBackoffSeconds)
	assert.Equal(t, 300, cfg.Session.BackoffCeilingSeconds)
	assert.Equal(t, 10, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, 3, cfg.Session.BreakerThreshold)
	assert.Equal(t, 25*time.Second, cfg.Session.ShutdownCeiling())
	assert.Equal(t, 60*time.Second, cfg.Session.BreakerCooldown())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, "warelay.yml")
	yaml := `
web:
  port: 9090
session:
  max_concurrent: 4
  breaker_threshold: 5
`
	require.NoError(t, os.WriteFile(cfile, []byte(yaml), 0o644))

	cfg := LoadConfig(cfile)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, 4, cfg.Session.MaxConcurrent)
	assert.Equal(t, 5, cfg.Session.BreakerThreshold)
	// Unset fields keep defaults.
	assert.Equal(t, 10, cfg.Session.InitialBackoffSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARELAY_WEB_PORT", "8088")
	t.Setenv("WARELAY_SESSION_MAX_CONCURRENT", "8")
	t.Setenv("WARELAY_DB_HOST", "db.internal")

	cfg := LoadConfig("")
	assert.Equal(t, 8088, cfg.Web.Port)
	assert.Equal(t, 8, cfg.Session.MaxConcurrent)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestZeroSessionValuesGetDefaults(t *testing.T) {
	sc := SessionConfig{MaxConcurrent: 2}
	applySessionDefaults(&sc)
	assert.Equal(t, 2, sc.MaxConcurrent)
	assert.Equal(t, 10, sc.InitialBackoffSeconds)
	assert.Equal(t, 30, sc.EventRetentionDays)
	assert.Equal(t, 5, sc.CallbackTimeoutSecs)
}
