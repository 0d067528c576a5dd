package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/prompts"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
	"github.com/harun/paperlens/pkg/workerpool"
	"go.opentelemetry.io/otel/attribute"
)

// errStageClosed rejects summaries that arrive after SUMMARIZING ended.
var errStageClosed = errors.New("summarizing stage is closed")

// run advances the session one stage at a time until it reaches a terminal
// state, is paused or closed, or runCtx is cancelled.
func (o *Orchestrator) run(runCtx context.Context, id string) {
	logger := tracing.LoggerFromContext(runCtx, o.logger)
	logger.Debug().Msg("Pipeline run started")
	defer logger.Debug().Msg("Pipeline run exited")

	for {
		if runCtx.Err() != nil {
			return
		}
		s, err := o.sessions.Get(id)
		if err != nil {
			return
		}

		switch s.State {
		case session.Created:
			err = o.advance(runCtx, s, nil)
		case session.Retrieving:
			err = o.stage(runCtx, s, o.retrieve)
		case session.Summarizing:
			err = o.stage(runCtx, s, o.summarize)
		case session.CrossReferencing:
			err = o.stage(runCtx, s, o.crossReference)
		case session.Synthesizing:
			err = o.stage(runCtx, s, o.synthesize)
		default:
			return
		}

		if err != nil {
			o.handleStageError(runCtx, s, err)
			return
		}
	}
}

// stage runs one stage function with a span, metrics and the "failed"
// status line. Success is reported by advance.
func (o *Orchestrator) stage(runCtx context.Context, s *session.Session, fn func(context.Context, *session.Session) error) error {
	ctx, span := tracing.StartSpan(runCtx, "paperlens.orchestrator", "stage."+string(s.State),
		attribute.String("session_id", s.ID),
		attribute.String("stage", string(s.State)))
	start := time.Now()

	err := fn(ctx, s)

	tracing.EndSpan(span, err)
	if !interrupted(runCtx, err) {
		observability.RecordStage(string(s.State), time.Since(start), err == nil)
	}
	return err
}

func interrupted(runCtx context.Context, err error) bool {
	return runCtx.Err() != nil || errors.Is(err, session.ErrRunSuperseded) || errors.Is(err, session.ErrNotFound)
}

// advance moves the session to the stage after s.State, applying fn in the
// same critical section, and reports the change.
func (o *Orchestrator) advance(runCtx context.Context, s *session.Session, fn func(*session.Session) error) error {
	to, ok := s.State.Next()
	if !ok {
		return &session.TransitionError{From: s.State, To: to}
	}
	from, err := o.sessions.Transition(runCtx, s.ID, to, fn)
	if err != nil {
		return err
	}
	if from != session.Created {
		o.emitStatus(s.ID, from, "completed "+string(from))
	}
	o.emitStatus(s.ID, to, "entering "+string(to))
	logger := tracing.LoggerFromContext(runCtx, o.logger)
	logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Stage transition")
	return nil
}

func (o *Orchestrator) handleStageError(runCtx context.Context, s *session.Session, err error) {
	logger := tracing.LoggerFromContext(runCtx, o.logger)
	if interrupted(runCtx, err) {
		logger.Debug().Err(err).Str("stage", string(s.State)).Msg("Pipeline run interrupted")
		return
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = stageError(s.State, CodeStageFailed, err)
	}

	o.emitStatus(s.ID, s.State, fmt.Sprintf("failed %s with %s", s.State, se.Reason))
	if ferr := o.sessions.Fail(runCtx, s.ID, se.Code, se.Reason); ferr != nil {
		logger.Debug().Err(ferr).Msg("Failure not recorded, run already superseded")
		return
	}
	logger.Error().Err(err).Str("stage", string(s.State)).Str("code", se.Code).Msg("Pipeline failed")

	failed, gerr := o.sessions.Get(s.ID)
	if gerr == nil {
		o.emitStatus(s.ID, failed.State, failed.Detail())
	}
	o.emit(Event{Kind: EventError, SessionID: s.ID, Stage: session.Failed, Code: se.Code, Message: se.Reason})
}

func (o *Orchestrator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := o.currentTunables().StageTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) put(ctx context.Context, key string, value any, md memory.Metadata) {
	if err := o.store.Put(ctx, key, value, md); err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Str("key", key).Msg("Failed to write memory entry")
	}
}

// retrieve searches the item source for the topic.
func (o *Orchestrator) retrieve(ctx context.Context, s *session.Session) error {
	sctx, cancel := o.stageContext(ctx)
	defer cancel()

	items, err := o.source.Search(sctx, s.Topic, s.ItemCount)
	observability.RecordSourceSearch(o.source.Name(), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageError(session.Retrieving, CodeRetrievalFailed, err)
	}
	if len(items) == 0 {
		return &StageError{Stage: session.Retrieving, Code: CodeNoItemsFound, Reason: fmt.Sprintf("no items found for %q", s.Topic)}
	}
	if len(items) > s.ItemCount {
		items = items[:s.ItemCount]
	}

	err = o.advance(ctx, s, func(s *session.Session) error {
		s.Items = items
		return nil
	})
	if err != nil {
		return err
	}
	o.put(ctx, memory.ItemsKey(s.ID), items, memory.Metadata{
		SessionID: s.ID, Topic: s.Topic, Kind: memory.KindItems,
	})
	return nil
}

// newPool builds a worker pool from the current tunables.
func (o *Orchestrator) newPool() *workerpool.Pool {
	t := o.currentTunables()
	return workerpool.New(workerpool.Options{
		Concurrency: t.Concurrency,
		TaskTimeout: t.TaskTimeout,
		Retry:       t.Retry,
		Logger:      o.logger,
	})
}

// summaryTask summarizes one item at depth. Replies that do not decode are
// reported as malformed so the pool does not retry them.
func (o *Orchestrator) summaryTask(depth types.Depth) workerpool.Task {
	return func(ctx context.Context, item types.Item, attempt int) (*types.Summary, error) {
		prompt, err := o.prompts.Summary(item, depth)
		if err != nil {
			return nil, err
		}
		reply, err := o.text.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		summary, err := prompts.ParseSummary(reply)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", workerpool.ErrMalformedResponse, err)
		}
		return summary, nil
	}
}

// summarize dispatches every item still lacking a result to the worker pool.
func (o *Orchestrator) summarize(ctx context.Context, s *session.Session) error {
	pool := o.newPool()
	task := o.summaryTask(s.Depth)

	onResult := func(r types.SummaryResult) {
		var item types.Item
		var detail string
		err := o.sessions.MutateRun(ctx, s.ID, func(s *session.Session) error {
			if s.State != session.Summarizing {
				return errStageClosed
			}
			it, ok := s.Item(r.ItemID)
			if !ok {
				return fmt.Errorf("unknown item %s", r.ItemID)
			}
			item = it
			s.Summaries[r.ItemID] = r
			detail = s.Detail()
			return nil
		})
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, o.logger)
			logger.Debug().Err(err).Str("item_id", r.ItemID).Msg("Summary discarded")
			return
		}
		o.put(ctx, memory.SummaryKey(s.ID, r.ItemID), summaryRecord{Item: item, Result: r}, memory.Metadata{
			SessionID: s.ID, Topic: s.Topic, Title: item.Title, ItemID: item.ID, Kind: memory.KindSummary,
		})
		o.emitStatus(s.ID, session.Summarizing, detail)
	}

	pending := s.Pending()
	if len(pending) > 0 {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Debug().
			Int("pending", len(pending)).
			Int("done", len(s.Items)-len(pending)).
			Int("concurrency", pool.Concurrency()).
			Msg("Dispatching summaries")
		pool.Run(ctx, pending, task, onResult)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cur, err := o.sessions.Get(s.ID)
	if err != nil {
		return err
	}
	ok, bad := cur.Tally()
	if ok == 0 {
		reason := fmt.Sprintf("all %d items failed", bad)
		for _, item := range cur.Items {
			if r, found := cur.Summaries[item.ID]; found && r.ErrorReason != "" {
				reason += ": " + r.ErrorReason
				break
			}
		}
		return &StageError{Stage: session.Summarizing, Code: CodeAllSummariesFailed, Reason: reason}
	}
	return o.advance(ctx, cur, nil)
}

// successViews returns the successful summaries in item order.
func successViews(s *session.Session) []prompts.SummaryView {
	var out []prompts.SummaryView
	for _, item := range s.Items {
		if r, ok := s.Summaries[item.ID]; ok && r.Succeeded() {
			out = append(out, prompts.View(item, r.Payload))
		}
	}
	return out
}

func failureNotes(s *session.Session) []types.FailureNote {
	var out []types.FailureNote
	for _, item := range s.Items {
		if r, ok := s.Summaries[item.ID]; ok && !r.Succeeded() {
			out = append(out, types.FailureNote{ItemID: item.ID, Title: item.Title, Code: r.ErrorCode, Reason: r.ErrorReason})
		}
	}
	return out
}

// generate runs one single-shot text call under the shared retry policy.
func (o *Orchestrator) generate(ctx context.Context, op, prompt string) (string, error) {
	var reply string
	_, err := o.currentTunables().Retry.Do(ctx, op, func(ctx context.Context, attempt int) error {
		r, err := o.text.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	return reply, err
}

func (o *Orchestrator) crossReference(ctx context.Context, s *session.Session) error {
	sctx, cancel := o.stageContext(ctx)
	defer cancel()

	prompt, err := o.prompts.CrossRef(successViews(s))
	if err != nil {
		return stageError(session.CrossReferencing, CodeStageFailed, err)
	}
	reply, err := o.generate(sctx, "crossref "+s.ID, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageError(session.CrossReferencing, CodeStageFailed, err)
	}
	cr := prompts.ParseCrossRef(reply)
	if cr.Raw != "" {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Msg("Cross-reference reply was not JSON, keeping raw text")
	}

	if err := o.advance(ctx, s, func(s *session.Session) error {
		s.CrossRef = cr
		return nil
	}); err != nil {
		return err
	}
	o.put(ctx, memory.CrossRefKey(s.ID), cr, memory.Metadata{
		SessionID: s.ID, Topic: s.Topic, Kind: memory.KindCrossRef,
	})
	return nil
}

func (o *Orchestrator) synthesize(ctx context.Context, s *session.Session) error {
	sctx, cancel := o.stageContext(ctx)
	defer cancel()

	failures := failureNotes(s)
	prompt, err := o.prompts.Synthesis(prompts.SynthesisInput{
		Topic:     s.Topic,
		Summaries: successViews(s),
		CrossRef:  s.CrossRef,
		Failures:  failures,
	})
	if err != nil {
		return stageError(session.Synthesizing, CodeStageFailed, err)
	}
	reply, err := o.generate(sctx, "synthesis "+s.ID, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageError(session.Synthesizing, CodeStageFailed, err)
	}
	syn := prompts.ParseSynthesis(reply)

	ok, bad := s.Tally()
	refs := make([]types.ItemRef, len(s.Items))
	for i, item := range s.Items {
		refs[i] = item.Ref()
	}
	report := &types.Report{
		Topic:            s.Topic,
		ExecutiveSummary: syn.ExecutiveSummary,
		KeyFindings:      syn.KeyFindings,
		ResearchGaps:     syn.ResearchGaps,
		FutureDirections: syn.FutureDirections,
		FullReport:       syn.FullReport,
		ItemsAnalyzed:    ok,
		ItemsFailed:      bad,
		Failures:         failures,
		Items:            refs,
		CrossRef:         s.CrossRef,
		GeneratedAt:      o.now(),
	}

	if err := o.advance(ctx, s, func(s *session.Session) error {
		s.Report = report
		return nil
	}); err != nil {
		return err
	}

	// Reaching INTERACTIVE releases the run, so ctx is already cancelled.
	ctx = context.WithoutCancel(ctx)
	o.put(ctx, memory.ReportKey(s.ID), report, memory.Metadata{
		SessionID: s.ID, Topic: s.Topic, Title: s.Topic, Kind: memory.KindReport,
	})
	o.put(ctx, memory.TopicKey(s.Topic, s.ID), topicRecord{
		SessionID:        s.ID,
		Topic:            s.Topic,
		ExecutiveSummary: report.ExecutiveSummary,
		KeyFindings:      report.KeyFindings,
		ItemsAnalyzed:    report.ItemsAnalyzed,
		CompletedAt:      report.GeneratedAt,
	}, memory.Metadata{
		SessionID: s.ID, Topic: memory.NormalizeTopic(s.Topic), Kind: memory.KindTopic, Scope: memory.ScopeGlobal,
	})
	o.emit(Event{Kind: EventResult, SessionID: s.ID, Stage: session.Interactive, Report: report})
	return nil
}
