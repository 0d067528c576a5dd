package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/prompts"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// historyInPrompt is how many earlier answers are replayed to the provider.
	historyInPrompt = 5
	priorAnalyses   = 3
)

// Ask answers a question about an INTERACTIVE session from its memory
// entries and earlier analyses of the same topic.
func (o *Orchestrator) Ask(ctx context.Context, id, question string) (string, error) {
	a, err := o.ask(ctx, id, question, false)
	if err != nil {
		return "", err
	}
	return a.Answer, nil
}

// AskCited is Ask with the answer citing the items it relies on. Citations
// naming items outside the session are dropped.
func (o *Orchestrator) AskCited(ctx context.Context, id, question string) (*types.CitedAnswer, error) {
	a, err := o.ask(ctx, id, question, true)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (o *Orchestrator) ask(ctx context.Context, id, question string, cited bool) (answer types.CitedAnswer, err error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return answer, errors.New("question is required")
	}

	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), "paperlens.orchestrator", "orchestrator.ask",
		attribute.String("session_id", id),
		attribute.Bool("cited", cited))
	defer func() { tracing.EndSpan(span, err) }()

	s, err := o.sessions.Get(id)
	if err != nil {
		return answer, err
	}
	if s.State != session.Interactive {
		err = fmt.Errorf("session %s is %s: %w", id, s.State, ErrNotReady)
		return answer, err
	}
	_ = o.sessions.Touch(id)

	t := o.currentTunables()
	in := prompts.AnswerInput{
		Topic:     s.Topic,
		Question:  question,
		Report:    s.Report,
		Summaries: o.contextSummaries(ctx, s, question, t.ContextLimit),
		Prior:     o.priorAnalyses(ctx, s),
		History:   tail(s.QAHistory, historyInPrompt),
		Cited:     cited,
	}
	prompt, err := o.prompts.Answer(in)
	if err != nil {
		return answer, err
	}

	reply, err := o.generate(ctx, "answer "+id, prompt)
	if err != nil {
		return answer, err
	}
	if cited {
		answer, err = prompts.ParseCitedAnswer(reply)
		answer.Citations = checkCitations(s, answer.Citations)
	} else {
		answer.Answer, err = prompts.CleanAnswer(reply)
	}
	if err != nil {
		return answer, err
	}

	rec := types.QARecord{Question: question, Answer: answer.Answer, Citations: answer.Citations, Timestamp: o.now()}
	if err = o.sessions.AppendQA(id, rec); err != nil {
		if errors.Is(err, session.ErrNotInteractive) {
			err = fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return answer, err
	}
	o.put(ctx, memory.QAKey(id, int(o.qaSeq.Add(1))), rec, memory.Metadata{
		SessionID: id, Topic: s.Topic, Title: question, Kind: memory.KindQA,
	})

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Int("summaries", len(in.Summaries)).
		Int("prior", len(in.Prior)).
		Int("citations", len(answer.Citations)).
		Msg("Question answered")
	return answer, nil
}

// checkCitations keeps the citations that name an item of the session,
// filling in titles the provider left out.
func checkCitations(s *session.Session, in []types.Citation) []types.Citation {
	out := make([]types.Citation, 0, len(in))
	for _, c := range in {
		item, ok := s.Item(c.ItemID)
		if !ok {
			continue
		}
		if c.Title == "" {
			c.Title = item.Title
		}
		out = append(out, c)
	}
	return out
}

func tail(h []types.QARecord, n int) []types.QARecord {
	if len(h) > n {
		return h[len(h)-n:]
	}
	return h
}

// contextSummaries picks the summaries most relevant to the question: by
// vector similarity when the store has an index, otherwise by keyword
// relevance. With no relevant match the first summaries are used.
func (o *Orchestrator) contextSummaries(ctx context.Context, s *session.Session, question string, limit int) []prompts.SummaryView {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if o.store.VectorEnabled() {
		hits, err := o.store.SearchSimilar(ctx, question, s.ID, s.Topic, limit*2)
		if err == nil {
			var views []prompts.SummaryView
			for _, h := range hits {
				if h.Entry.Metadata.Kind != memory.KindSummary {
					continue
				}
				if v, ok := decodeSummary(h.Entry); ok {
					views = append(views, v)
				}
				if len(views) == limit {
					break
				}
			}
			if len(views) > 0 {
				return views
			}
		} else {
			logger.Warn().Err(err).Msg("Vector search failed, falling back to keyword relevance")
		}
	}

	entries, err := o.store.Query(ctx, s.ID, memory.WithKind(memory.KindSummary))
	if err != nil {
		logger.Warn().Err(err).Msg("Memory query failed, using session summaries")
		return firstN(successViews(s), limit)
	}
	var views []prompts.SummaryView
	for _, e := range entries {
		if e.Metadata.SessionID != s.ID {
			continue
		}
		if v, ok := decodeSummary(e); ok {
			views = append(views, v)
		}
	}

	ranked := memory.Rank(question, views, func(v prompts.SummaryView) []string {
		return []string{
			v.Title,
			v.Summary.ExecutiveSummary,
			v.Summary.Problem,
			v.Summary.Methodology,
			v.Summary.Results,
			v.Summary.Conclusions,
			v.Summary.Limitations,
			v.Summary.KeyContribution,
			v.Summary.MainResult,
			strings.Join(v.Summary.Contributions, " "),
		}
	}, limit)
	if len(ranked) == 0 {
		return firstN(views, limit)
	}
	out := make([]prompts.SummaryView, len(ranked))
	for i, r := range ranked {
		out[i] = r.Value
	}
	return out
}

func decodeSummary(e memory.Entry) (prompts.SummaryView, bool) {
	var rec summaryRecord
	if err := e.Decode(&rec); err != nil || !rec.Result.Succeeded() || rec.Result.Payload == nil {
		return prompts.SummaryView{}, false
	}
	return prompts.View(rec.Item, rec.Result.Payload), true
}

func firstN(views []prompts.SummaryView, n int) []prompts.SummaryView {
	if len(views) > n {
		return views[:n]
	}
	return views
}

// priorAnalyses returns the most recent completed analyses of the same
// topic by other sessions.
func (o *Orchestrator) priorAnalyses(ctx context.Context, s *session.Session) []prompts.PriorView {
	topic := memory.NormalizeTopic(s.Topic)
	entries, err := o.store.Query(ctx, topic, memory.WithKind(memory.KindTopic), memory.WithScope(memory.ScopeGlobal))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Msg("Prior analysis lookup failed")
		return nil
	}
	var out []prompts.PriorView
	for i := len(entries) - 1; i >= 0 && len(out) < priorAnalyses; i-- {
		e := entries[i]
		if e.Metadata.SessionID == s.ID || e.Metadata.Topic != topic {
			continue
		}
		var rec topicRecord
		if err := e.Decode(&rec); err != nil || rec.ExecutiveSummary == "" {
			continue
		}
		out = append(out, prompts.PriorView{Topic: rec.Topic, ExecutiveSummary: rec.ExecutiveSummary})
	}
	return out
}
