package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAPERLENS_GATEWAY_PORT.
const EnvPrefix = "PAPERLENS"

// providerKeyEnv is consulted when text.api_key is unset.
var providerKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, when present, over the defaults and applies
// environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Text.APIKey == "" {
		if env, ok := providerKeyEnv[cfg.Text.Provider]; ok {
			cfg.Text.APIKey = os.Getenv(env)
		}
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.read_limit", d.Gateway.ReadLimit)

	v.SetDefault("text.provider", d.Text.Provider)
	v.SetDefault("text.model", d.Text.Model)
	v.SetDefault("text.api_key", d.Text.APIKey)
	v.SetDefault("text.temperature", d.Text.Temperature)
	v.SetDefault("text.max_tokens", d.Text.MaxTokens)
	v.SetDefault("text.timeout", d.Text.Timeout)

	v.SetDefault("source.provider", d.Source.Provider)
	v.SetDefault("source.base_url", d.Source.BaseURL)
	v.SetDefault("source.user_agent", d.Source.UserAgent)
	v.SetDefault("source.max_results", d.Source.MaxResults)
	v.SetDefault("source.timeout", d.Source.Timeout)

	v.SetDefault("pipeline.concurrency", d.Pipeline.Concurrency)
	v.SetDefault("pipeline.task_timeout", d.Pipeline.TaskTimeout)
	v.SetDefault("pipeline.max_retries", d.Pipeline.MaxRetries)
	v.SetDefault("pipeline.retry_base_delay", d.Pipeline.RetryBaseDelay)
	v.SetDefault("pipeline.retry_max_delay", d.Pipeline.RetryMaxDelay)
	v.SetDefault("pipeline.stage_timeout", d.Pipeline.StageTimeout)

	v.SetDefault("session.idle_ttl", d.Session.IdleTTL)
	v.SetDefault("session.sweep_schedule", d.Session.SweepSchedule)
	v.SetDefault("session.qa_history_limit", d.Session.QAHistoryLimit)

	v.SetDefault("memory.dsn", d.Memory.DSN)
	v.SetDefault("memory.vector.enabled", d.Memory.Vector.Enabled)
	v.SetDefault("memory.vector.model", d.Memory.Vector.Model)
	v.SetDefault("memory.vector.dimension", d.Memory.Vector.Dimension)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.redaction", d.Logging.Redaction)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("gateway", cfg.Gateway)
	v.Set("text", cfg.Text)
	v.Set("source", cfg.Source)
	v.Set("pipeline", cfg.Pipeline)
	v.Set("session", cfg.Session)
	v.Set("memory", cfg.Memory)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".paperlens", "paperlens.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
