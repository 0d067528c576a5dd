package textgen

import (
	"context"
	"errors"
	"fmt"
)

// Service generates a reply for a single prompt.
type Service interface {
	Generate(ctx context.Context, prompt string) (string, error)

	// Provider returns the provider name
	Provider() string
}

// Kind classifies a provider failure.
type Kind int

const (
	Permanent Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Status   int // HTTP status when the provider reported one
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty response")

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == Transient
	}
	return false
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 8192
)

func (c Config) withDefaults() Config {
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

// New creates the service for cfg.Provider.
func New(cfg Config) (Service, error) {
	cfg = cfg.withDefaults()
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicService(cfg), nil
	case "openai":
		return NewOpenAIService(cfg), nil
	case "gemini", "":
		return NewGeminiService(context.Background(), cfg)
	default:
		return nil, fmt.Errorf("unsupported text provider: %s", cfg.Provider)
	}
}
