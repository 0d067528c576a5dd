package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var (
	textProviders   = []string{"gemini", "anthropic", "openai"}
	sourceProviders = []string{"arxiv"}
	logLevels       = []string{"debug", "info", "warn", "error"}
)

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateTextProvider validates the text provider name
func (v *Validator) ValidateTextProvider(provider string) error {
	if !oneOf(provider, textProviders) {
		return fmt.Errorf("invalid text provider: %s (must be one of: %s)", provider, strings.Join(textProviders, ", "))
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !oneOf(level, logLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(logLevels, ", "))
	}
	return nil
}

// ValidatePort validates a TCP port. Zero picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateBaseURL accepts an empty value or an absolute http(s) URL.
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	return nil
}

// ValidateSchedule validates a sweep schedule such as "@every 1m" or "*/5 * * * *".
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

func positiveDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidatePipeline validates the hot-reloadable pipeline section
func (v *Validator) ValidatePipeline(p PipelineConfig) []error {
	var errors []error
	if p.Concurrency < 1 || p.Concurrency > 64 {
		errors = append(errors, fmt.Errorf("pipeline.concurrency must be between 1 and 64, got %d", p.Concurrency))
	}
	if p.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("pipeline.max_retries must be >= 0, got %d", p.MaxRetries))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"pipeline.task_timeout", p.TaskTimeout},
		{"pipeline.stage_timeout", p.StageTimeout},
		{"pipeline.retry_base_delay", p.RetryBaseDelay},
		{"pipeline.retry_max_delay", p.RetryMaxDelay},
	} {
		if err := positiveDuration(d.name, d.val); err != nil {
			errors = append(errors, err)
		}
	}
	if p.RetryMaxDelay > 0 && p.RetryMaxDelay < p.RetryBaseDelay {
		errors = append(errors, fmt.Errorf("pipeline.retry_max_delay (%s) is below retry_base_delay (%s)", p.RetryMaxDelay, p.RetryBaseDelay))
	}
	return errors
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.ReadLimit <= 0 {
		errors = append(errors, fmt.Errorf("gateway.read_limit must be positive"))
	}

	if err := v.ValidateTextProvider(cfg.Text.Provider); err != nil {
		errors = append(errors, err)
	} else if err := v.ValidateAPIKey(cfg.Text.APIKey, cfg.Text.Provider); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTemperature(cfg.Text.Temperature); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.Text.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Text.Timeout < 0 {
		errors = append(errors, fmt.Errorf("text.timeout must be >= 0"))
	}

	if !oneOf(cfg.Source.Provider, sourceProviders) {
		errors = append(errors, fmt.Errorf("invalid item source: %s (must be one of: %s)", cfg.Source.Provider, strings.Join(sourceProviders, ", ")))
	}
	if err := v.ValidateBaseURL(cfg.Source.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if cfg.Source.MaxResults < 1 {
		errors = append(errors, fmt.Errorf("source.max_results must be >= 1"))
	}

	errors = append(errors, v.ValidatePipeline(cfg.Pipeline)...)

	if err := positiveDuration("session.idle_ttl", cfg.Session.IdleTTL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSchedule(cfg.Session.SweepSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Session.QAHistoryLimit < 1 {
		errors = append(errors, fmt.Errorf("session.qa_history_limit must be >= 1"))
	}

	if cfg.Memory.Vector.Enabled {
		if cfg.Memory.Vector.Dimension <= 0 {
			errors = append(errors, fmt.Errorf("memory.vector.dimension must be positive when vector search is enabled"))
		}
		if cfg.Memory.Vector.Model == "" {
			errors = append(errors, fmt.Errorf("memory.vector.model is required when vector search is enabled"))
		}
		if cfg.Text.Provider != "gemini" {
			errors = append(errors, fmt.Errorf("memory.vector requires the gemini text provider for embeddings"))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.ServiceName == "" {
		errors = append(errors, fmt.Errorf("tracing.service_name is required when tracing is enabled"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", cfg.Tracing.SampleRatio))
	}

	return errors
}
