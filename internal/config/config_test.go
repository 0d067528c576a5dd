package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "gemini", cfg.Text.Provider)
	assert.Equal(t, "arxiv", cfg.Source.Provider)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.EqualValues(t, 64*1024, cfg.Gateway.ReadLimit)
	assert.Equal(t, 5, cfg.Pipeline.Concurrency)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 3, cfg.Tunables().Retry.MaxAttempts)
	assert.Equal(t, "@every 1m", cfg.Session.SweepSchedule)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	assert.False(t, cfg.Memory.Vector.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Text.APIKey = "AIza-test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key cannot be empty")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Text.Provider = "parrot"
		cfg.Text.APIKey = "k"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid text provider")
	})
}

func TestTunablesFromPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Concurrency = 9
	cfg.Pipeline.MaxRetries = 4
	cfg.Pipeline.RetryBaseDelay = 2 * time.Second
	cfg.Pipeline.RetryMaxDelay = 20 * time.Second
	cfg.Pipeline.TaskTimeout = time.Minute
	cfg.Pipeline.StageTimeout = 3 * time.Minute
	cfg.Text.Timeout = 40 * time.Second

	tun := cfg.Tunables()
	assert.Equal(t, 9, tun.Concurrency)
	assert.Equal(t, time.Minute, tun.TaskTimeout)
	assert.Equal(t, 3*time.Minute, tun.StageTimeout)
	assert.Equal(t, 5, tun.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, tun.Retry.BaseDelay)
	assert.Equal(t, 20*time.Second, tun.Retry.MaxDelay)
	assert.Equal(t, 40*time.Second, tun.Retry.AttemptTimeout)
	assert.Equal(t, 5, tun.ContextLimit)
}

func TestMaxRetriesCountsRetriesOnly(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Pipeline.MaxRetries = 0
	assert.Equal(t, 1, cfg.Tunables().Retry.MaxAttempts)
	assert.Empty(t, NewValidator().ValidatePipeline(cfg.Pipeline))

	cfg.Pipeline.MaxRetries = 2
	assert.Equal(t, 3, cfg.Tunables().Retry.MaxAttempts)
}

func TestStringMasksAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Text.APIKey = "sk-ant-very-secret"

	out := cfg.String()
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, `"api_key": "***"`)
	assert.Equal(t, "sk-ant-very-secret", cfg.Text.APIKey)
}

func TestSectionAdapters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Text.Provider = "anthropic"
	cfg.Text.Model = "claude-sonnet-4"
	cfg.Source.BaseURL = "http://localhost:9999/api/query"
	cfg.Logging.Pretty = false

	assert.Equal(t, "anthropic", cfg.TextService().Provider)
	assert.Equal(t, "claude-sonnet-4", cfg.TextService().Model)
	assert.Equal(t, "http://localhost:9999/api/query", cfg.ItemSource().BaseURL)
	assert.True(t, cfg.Logger().Console)
	assert.False(t, cfg.Logger().Pretty)
}
