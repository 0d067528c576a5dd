package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("load json config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "paperlens.json")
		testConfig := `{
			"gateway": {"port": 9090},
			"text": {"provider": "anthropic", "api_key": "sk-ant-test", "timeout": "45s"},
			"pipeline": {"concurrency": 3, "task_timeout": "1m30s"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Gateway.Port)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, "anthropic", cfg.Text.Provider)
		assert.Equal(t, "sk-ant-test", cfg.Text.APIKey)
		assert.Equal(t, 45*time.Second, cfg.Text.Timeout)
		assert.Equal(t, 3, cfg.Pipeline.Concurrency)
		assert.Equal(t, 90*time.Second, cfg.Pipeline.TaskTimeout)
		assert.Equal(t, DefaultConfig().Pipeline.StageTimeout, cfg.Pipeline.StageTimeout)
	})

	t.Run("load yaml config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "paperlens.yaml")
		testConfig := "session:\n  idle_ttl: 10m\n  sweep_schedule: \"*/2 * * * *\"\nmemory:\n  vector:\n    enabled: true\n"
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, cfg.Session.IdleTTL)
		assert.Equal(t, "*/2 * * * *", cfg.Session.SweepSchedule)
		assert.True(t, cfg.Memory.Vector.Enabled)
		assert.Equal(t, 768, cfg.Memory.Vector.Dimension)
	})

	t.Run("invalid file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway":`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.ErrorContains(t, err, "failed to read config file")
	})
}

func TestLoaderEnvironmentOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "paperlens.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"pipeline": {"concurrency": 3}}`), 0644))

	t.Setenv("PAPERLENS_PIPELINE_CONCURRENCY", "7")
	t.Setenv("PAPERLENS_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("PAPERLENS_LOGGING_LEVEL", "debug")
	t.Setenv("GEMINI_API_KEY", "AIza-from-env")

	cfg, err := NewLoader(configPath).Load()

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.Concurrency)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "AIza-from-env", cfg.Text.APIKey)
}

func TestLoaderSave(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	configPath := filepath.Join(t.TempDir(), "nested", "paperlens.yaml")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Gateway.Port = 7070
	cfg.Pipeline.StageTimeout = 7 * time.Minute
	cfg.Session.SweepSchedule = "@every 5m"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
