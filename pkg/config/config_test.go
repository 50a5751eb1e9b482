package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.AsyncPoolSize)
	assert.Equal(t, 5, cfg.Engine.SchedulerPoolSize)
	assert.Equal(t, time.Hour, cfg.Engine.CleanupInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.InstanceRetention())
	assert.Equal(t, time.Second, cfg.Engine.BaseRetryDelay())
	assert.Equal(t, 5*time.Minute, cfg.Engine.MaxRetryDelay())
	assert.Equal(t, 5*time.Minute, cfg.Engine.StepDefaultTimeout())
	assert.Equal(t, 24, cfg.Engine.UserTaskDefaultDueHours)
	assert.Equal(t, "meshflow:notifications", cfg.Redis.Channel)
	assert.Empty(t, cfg.Database.DSN(), "no host means in-memory mode")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  async_pool_size: 3
  admin_users: [root, ops]
database:
  host: db.internal
  name: flows
  user: svc
  password: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.AsyncPoolSize)
	assert.Equal(t, []string{"root", "ops"}, cfg.Engine.AdminUsers)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "dbname=flows")
	assert.Contains(t, cfg.Database.DSN(), "password=secret")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MESHFLOW_ENGINE_ASYNC_POOL_SIZE", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.AsyncPoolSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
