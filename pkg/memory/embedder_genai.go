package memory

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultEmbeddingModel     = "gemini-embedding-001"
	defaultEmbeddingDimension = 768
)

// GenAIEmbedder embeds text with the Gemini embedding API.
type GenAIEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	if dimension <= 0 {
		dimension = defaultEmbeddingDimension
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, dimension: dimension}, nil
}

func (e *GenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			TaskType:             "RETRIEVAL_DOCUMENT",
			OutputDimensionality: genai.Ptr(int32(e.dimension)),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	values := result.Embeddings[0].Values
	if len(values) != e.dimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(values), e.dimension)
	}
	return values, nil
}
