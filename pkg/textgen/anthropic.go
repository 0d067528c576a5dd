package textgen

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicService implements Service for Anthropic Claude.
type AnthropicService struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropicService creates the service. SDK-level retries are disabled;
// callers retry through RetryPolicy.
func NewAnthropicService(cfg Config) *AnthropicService {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicService{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (s *AnthropicService) Provider() string {
	return "anthropic"
}

func (s *AnthropicService) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(s.cfg.Model),
		MaxTokens:   int64(s.cfg.MaxTokens),
		Temperature: anthropic.Float(s.cfg.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", Classify(s.Provider(), err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(b.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", &Error{Kind: Permanent, Provider: s.Provider(), Err: ErrEmptyResponse}
	}
	return sb.String(), nil
}
