package itemsource

import (
	"context"
	"strings"

	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
)

// RefineFunc renders the query-refinement prompt for a topic.
type RefineFunc func(topic string) (string, error)

// RefiningSource asks the text service to rewrite the topic into a search
// query before delegating. Any refinement failure falls back to the topic.
type RefiningSource struct {
	next   Source
	text   textgen.Service
	prompt RefineFunc
	logger zerolog.Logger
}

func NewRefiningSource(next Source, text textgen.Service, prompt RefineFunc, logger zerolog.Logger) *RefiningSource {
	return &RefiningSource{next: next, text: text, prompt: prompt, logger: logger}
}

func (s *RefiningSource) Name() string { return s.next.Name() }

func (s *RefiningSource) Search(ctx context.Context, query string, maxResults int) ([]types.Item, error) {
	return s.next.Search(ctx, s.refine(ctx, query), maxResults)
}

// Fetch is passed through unchanged; ids need no refinement.
func (s *RefiningSource) Fetch(ctx context.Context, ids []string) ([]types.Item, error) {
	return s.next.Fetch(ctx, ids)
}

func (s *RefiningSource) refine(ctx context.Context, topic string) string {
	prompt, err := s.prompt(topic)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Query refinement prompt failed, using topic")
		return topic
	}
	reply, err := s.text.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Query refinement failed, using topic")
		return topic
	}
	refined := strings.Trim(strings.TrimSpace(reply), `"'`)
	if refined == "" || strings.Contains(refined, "\n") {
		return topic
	}
	s.logger.Debug().Str("topic", topic).Str("query", refined).Msg("Query refined")
	return refined
}
