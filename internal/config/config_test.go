package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/baseliner_test?sslmode=disable")
	t.Setenv("BASELINER_ADMIN_KEY", "admin-secret")
	t.Setenv("BASELINER_TOKEN_PEPPER", "pepper-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 60*time.Second, cfg.ReportTimeout())
	assert.Equal(t, int64(10<<20), cfg.Limits.MaxBodyBytesReports)
	assert.Equal(t, 500, cfg.Limits.MaxReportItems)
	assert.Equal(t, 2000, cfg.Limits.MaxReportLogs)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_REPORT_ITEMS", "25")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("REPORT_TIMEOUT_SECONDS", "90")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Limits.MaxReportItems)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 90*time.Second, cfg.ReportTimeout())
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BASELINER_ADMIN_KEY", "")
	t.Setenv("BASELINER_TOKEN_PEPPER", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_BACKEND", "memcached")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit backend")
}

func TestLoadRedisBackendRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
}

func TestLoadYAMLFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "baseliner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7070"
limits:
  max_report_items: 42
`), 0o600))
	t.Setenv("BASELINER_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 42, cfg.Limits.MaxReportItems)

	// Env still wins over the file.
	t.Setenv("PORT", "7071")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "7071", cfg.Server.Port)
}
