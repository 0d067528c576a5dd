package textgen

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIService implements Service for OpenAI chat completions.
type OpenAIService struct {
	client openai.Client
	cfg    Config
}

func NewOpenAIService(cfg Config) *OpenAIService {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIService{client: openai.NewClient(opts...), cfg: cfg}
}

func (s *OpenAIService) Provider() string {
	return "openai"
}

func (s *OpenAIService) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(s.cfg.Model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxTokens:   openai.Int(int64(s.cfg.MaxTokens)),
		Temperature: openai.Float(s.cfg.Temperature),
	})
	if err != nil {
		return "", Classify(s.Provider(), err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Kind: Permanent, Provider: s.Provider(), Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}
