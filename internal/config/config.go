package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/paperlens/internal/logger"
	"github.com/harun/paperlens/pkg/itemsource"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
)

// Config represents the main paperlens configuration
type Config struct {
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Text     TextConfig     `json:"text" yaml:"text" mapstructure:"text"`
	Source   SourceConfig   `json:"source" yaml:"source" mapstructure:"source"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Session  SessionConfig  `json:"session" yaml:"session" mapstructure:"session"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory" mapstructure:"memory"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host      string `json:"host" yaml:"host" mapstructure:"host"`
	Port      int    `json:"port" yaml:"port" mapstructure:"port"`
	ReadLimit int64  `json:"read_limit" yaml:"read_limit" mapstructure:"read_limit"` // bytes per frame
}

// TextConfig selects the text generation provider
type TextConfig struct {
	Provider    string        `json:"provider" yaml:"provider" mapstructure:"provider"` // gemini, anthropic, openai
	Model       string        `json:"model" yaml:"model" mapstructure:"model"`
	APIKey      string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Temperature float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"` // per attempt
}

// SourceConfig selects the item source
type SourceConfig struct {
	Provider   string        `json:"provider" yaml:"provider" mapstructure:"provider"`
	BaseURL    string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	UserAgent  string        `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
	MaxResults int           `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// PipelineConfig holds the tunables applied to running analyses
type PipelineConfig struct {
	Concurrency    int           `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	TaskTimeout    time.Duration `json:"task_timeout" yaml:"task_timeout" mapstructure:"task_timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	StageTimeout   time.Duration `json:"stage_timeout" yaml:"stage_timeout" mapstructure:"stage_timeout"`
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	IdleTTL        time.Duration `json:"idle_ttl" yaml:"idle_ttl" mapstructure:"idle_ttl"`
	SweepSchedule  string        `json:"sweep_schedule" yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	QAHistoryLimit int           `json:"qa_history_limit" yaml:"qa_history_limit" mapstructure:"qa_history_limit"`
}

// MemoryConfig holds memory store configuration
type MemoryConfig struct {
	DSN    string       `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Vector VectorConfig `json:"vector" yaml:"vector" mapstructure:"vector"`
}

// VectorConfig enables embedding search over stored summaries
type VectorConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Model     string `json:"model" yaml:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" yaml:"dimension" mapstructure:"dimension"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	tunables := orchestrator.DefaultTunables()
	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			ReadLimit: 64 * 1024,
		},
		Text: TextConfig{
			Provider:    "gemini",
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			MaxTokens:   8192,
			Timeout:     90 * time.Second,
		},
		Source: SourceConfig{
			Provider:   "arxiv",
			UserAgent:  "paperlens/1.0",
			MaxResults: 50,
			Timeout:    30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Concurrency:    tunables.Concurrency,
			TaskTimeout:    tunables.TaskTimeout,
			MaxRetries:     tunables.Retry.MaxAttempts - 1,
			RetryBaseDelay: tunables.Retry.BaseDelay,
			RetryMaxDelay:  tunables.Retry.MaxDelay,
			StageTimeout:   tunables.StageTimeout,
		},
		Session: SessionConfig{
			IdleTTL:        session.DefaultIdleTTL,
			SweepSchedule:  session.DefaultSweepSchedule,
			QAHistoryLimit: session.DefaultQAHistoryLimit,
		},
		Memory: MemoryConfig{
			Vector: VectorConfig{
				Model:     "text-embedding-004",
				Dimension: 768,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "paperlens",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	cp := *c
	if cp.Text.APIKey != "" {
		cp.Text.APIKey = "***"
	}
	data, _ := json.MarshalIndent(cp, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// Address is the host:port the gateway listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// Tunables converts the pipeline section for the orchestrator.
func (c *Config) Tunables() orchestrator.Tunables {
	t := orchestrator.DefaultTunables()
	t.Concurrency = c.Pipeline.Concurrency
	t.TaskTimeout = c.Pipeline.TaskTimeout
	t.StageTimeout = c.Pipeline.StageTimeout
	t.Retry.MaxAttempts = c.Pipeline.MaxRetries + 1
	t.Retry.BaseDelay = c.Pipeline.RetryBaseDelay
	t.Retry.MaxDelay = c.Pipeline.RetryMaxDelay
	t.Retry.AttemptTimeout = c.Text.Timeout
	return t
}

// TextService returns the provider settings for textgen.New.
func (c *Config) TextService() textgen.Config {
	return textgen.Config{
		Provider:    c.Text.Provider,
		Model:       c.Text.Model,
		APIKey:      c.Text.APIKey,
		Temperature: c.Text.Temperature,
		MaxTokens:   c.Text.MaxTokens,
	}
}

// ItemSource returns the backend settings for itemsource.New.
func (c *Config) ItemSource() itemsource.Config {
	return itemsource.Config{
		Provider:   c.Source.Provider,
		BaseURL:    c.Source.BaseURL,
		UserAgent:  c.Source.UserAgent,
		MaxResults: c.Source.MaxResults,
	}
}

// Logger returns the logger settings. Console output is always on for the daemon.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   true,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
	}
}
