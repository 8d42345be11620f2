package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SOMMELIER_STORE_DATABASE_URL", "postgres://localhost/sommelier")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "watermill", cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "sommelier-pipeline", cfg.Queue.TaskQueue)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.ClassifierModel)
	assert.Equal(t, 30, cfg.Enrichment.TTLDays)
	assert.Equal(t, 50, cfg.Enrichment.RefreshBatchSize)
	assert.Empty(t, cfg.WhiskyHunter.BaseURI)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Zero(t, cfg.Server.RefreshIntervalMins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
store:
  driver: sqlite
  database_url: sommelier.db
queue:
  backend: inline
  max_retries: 2
whisky_hunter:
  base_uri: https://whiskyhunter.example.com/api
enrichment:
  ttl_days: 7
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "inline", cfg.Queue.Backend)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
	assert.Equal(t, "https://whiskyhunter.example.com/api", cfg.WhiskyHunter.BaseURI)
	assert.Equal(t, 7, cfg.Enrichment.TTLDays)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SOMMELIER_STORE_DRIVER", "sqlite")
	t.Setenv("SOMMELIER_OPENAI_KEY", "sk-test")
	t.Setenv("SOMMELIER_LLM_PROVIDER", "none")
	t.Setenv("SOMMELIER_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "sk-test", cfg.OpenAI.Key)
	assert.Equal(t, "none", cfg.LLM.Provider)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SOMMELIER_STORE_DRIVER", "sqlite")
	t.Setenv("SOMMELIER_QUEUE_BACKEND", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: validate")
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	chdirTemp(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is required")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	require.Error(t, InitLogger(LogConfig{Level: "nope"}))
}
