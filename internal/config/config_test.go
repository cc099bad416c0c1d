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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: qw\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "qw", cfg.App.Name)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, time.Minute, cfg.Breaker.BaseBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Breaker.MaxBackoff)
	assert.Equal(t, 14*24*time.Hour, cfg.Maintenance.RawRetention)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	require.Len(t, cfg.SystemSources, 1)
	assert.Equal(t, DefaultSystemSourceID, cfg.SystemSources[0].ID)
	assert.Equal(t, "static", cfg.SystemSources[0].Adapter)
	assert.False(t, cfg.SystemSources[0].HasCredentials())
}

func TestLoadSystemSourcesOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
system_sources:
  - id: cli-tool
    adapter: http_json
    options:
      url: http://127.0.0.1:9/usage
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.SystemSources, 1)
	assert.Equal(t, "cli-tool", cfg.SystemSources[0].ID)

	require.NoError(t, os.WriteFile(path, []byte("system_sources: []\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.SystemSources)

	require.NoError(t, os.WriteFile(path, []byte("system_sources:\n  - id: x\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter")
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
sources:
  - id: openrouter
    display_name: OpenRouter
    adapter: http_json
    kind: usage
    api_key: sk-test
    options:
      url: https://example.test/credits
  - id: local
    adapter: static
    system: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)
	assert.True(t, cfg.Sources[0].HasCredentials())
	assert.Equal(t, "https://example.test/credits", cfg.Sources[0].Options["url"])
	assert.True(t, cfg.Sources[1].System)
	assert.Equal(t, "local", cfg.Sources[1].Name())
}

func TestValidateRejectsDuplicateSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "sources:\n  - id: a\n  - id: a\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestValidateDatabaseDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}
