package textgen

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiService implements Service for Google Gemini.
type GeminiService struct {
	client *genai.Client
	cfg    Config
}

func NewGeminiService(ctx context.Context, cfg Config) (*GeminiService, error) {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiService{client: client, cfg: cfg}, nil
}

func (s *GeminiService) Provider() string {
	return "gemini"
}

func (s *GeminiService) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(s.cfg.Temperature)),
		MaxOutputTokens: int32(s.cfg.MaxTokens),
	})
	if err != nil {
		return "", Classify(s.Provider(), err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: Permanent, Provider: s.Provider(), Err: ErrEmptyResponse}
	}
	return text, nil
}
