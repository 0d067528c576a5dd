// Package orchestrator drives analysis sessions through the pipeline:
// retrieval, parallel summarization, cross-referencing and synthesis,
// followed by question answering.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/itemsource"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/prompts"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
)

// Orchestrator owns no session state; it reads and writes sessions through
// the session manager and stage outputs through the memory store.
type Orchestrator struct {
	sessions *session.Manager
	store    *memory.Store
	text     textgen.Service
	source   itemsource.Source
	prompts  *prompts.Set
	logger   zerolog.Logger
	now      func() time.Time

	tunablesMu sync.RWMutex
	tunables   Tunables

	sinksMu sync.RWMutex
	sinks   []EventSink

	runsMu  sync.Mutex
	runs    map[string]chan struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
	qaSeq   atomic.Int64
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPrompts replaces the embedded prompt set.
func WithPrompts(set *prompts.Set) Option {
	return func(o *Orchestrator) {
		o.prompts = set
	}
}

// WithTunables sets the initial pipeline tunables.
func WithTunables(t Tunables) Option {
	return func(o *Orchestrator) {
		o.tunables = t
	}
}

// WithEventSink registers a sink at construction time.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sink)
	}
}

// WithClock overrides time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator and registers a hook that reclaims the
// memory of closed and evicted sessions.
func New(sessions *session.Manager, store *memory.Store, text textgen.Service, source itemsource.Source, opts ...Option) (*Orchestrator, error) {
	if sessions == nil || store == nil || text == nil || source == nil {
		return nil, errors.New("orchestrator requires a session manager, memory store, text service and item source")
	}
	observability.EnsureRegistered()

	o := &Orchestrator{
		sessions: sessions,
		store:    store,
		text:     text,
		source:   source,
		logger:   zerolog.Nop(),
		now:      time.Now,
		tunables: DefaultTunables(),
		runs:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	o.tunables = o.normalize(o.tunables)

	if o.prompts == nil {
		set, err := prompts.Default()
		if err != nil {
			return nil, fmt.Errorf("load default prompts: %w", err)
		}
		o.prompts = set
	}

	sessions.OnEvict(o.reclaim)
	return o, nil
}

func (o *Orchestrator) normalize(t Tunables) Tunables {
	def := DefaultTunables()
	if t.Concurrency <= 0 {
		t.Concurrency = def.Concurrency
	}
	if t.ContextLimit <= 0 {
		t.ContextLimit = def.ContextLimit
	}
	if t.Retry.MaxAttempts <= 0 {
		t.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	t.Retry.OnRetry = func(op string, attempt int, err error, delay time.Duration) {
		observability.RecordRetry(op)
		o.logger.Warn().Err(err).Str("operation", op).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying after transient failure")
	}
	return t
}

func (o *Orchestrator) currentTunables() Tunables {
	o.tunablesMu.RLock()
	defer o.tunablesMu.RUnlock()
	return o.tunables
}

// Reconfigure swaps the pipeline tunables. Stages already running keep the
// values they started with.
func (o *Orchestrator) Reconfigure(t Tunables) {
	t = o.normalize(t)
	o.tunablesMu.Lock()
	o.tunables = t
	o.tunablesMu.Unlock()

	o.logger.Info().
		Int("concurrency", t.Concurrency).
		Dur("task_timeout", t.TaskTimeout).
		Dur("stage_timeout", t.StageTimeout).
		Int("max_attempts", t.Retry.MaxAttempts).
		Msg("Pipeline tunables updated")
}

// OnEvent registers a sink for pipeline events.
func (o *Orchestrator) OnEvent(sink EventSink) {
	o.sinksMu.Lock()
	defer o.sinksMu.Unlock()
	o.sinks = append(o.sinks, sink)
}

func (o *Orchestrator) emit(ev Event) {
	o.sinksMu.RLock()
	sinks := append([]EventSink(nil), o.sinks...)
	o.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink(ev)
	}
}

func (o *Orchestrator) emitStatus(id string, stage session.State, detail string) {
	o.emit(Event{Kind: EventStatus, SessionID: id, Stage: stage, Detail: detail})
}

// Start creates a session and runs its pipeline in the background. The
// pipeline is detached from ctx cancellation but keeps its trace ids.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if o.closing.Load() {
		return "", ErrShuttingDown
	}
	s, err := o.sessions.Create(ctx, req.params())
	if err != nil {
		return "", err
	}
	o.emit(Event{Kind: EventStatus, SessionID: s.ID, Stage: s.State, Detail: s.Detail(), Origin: tracing.GetConnID(ctx)})

	if err := o.launch(tracing.Detach(ctx), s.ID); err != nil {
		return s.ID, err
	}
	return s.ID, nil
}

// Analyze creates a session and runs its pipeline to completion on the
// calling goroutine. Cancelling ctx stops the run.
func (o *Orchestrator) Analyze(ctx context.Context, req StartRequest) (string, *types.Report, error) {
	if o.closing.Load() {
		return "", nil, ErrShuttingDown
	}
	s, err := o.sessions.Create(ctx, req.params())
	if err != nil {
		return "", nil, err
	}

	runCtx, err := o.sessions.BindRun(ctx, s.ID)
	if err != nil {
		return s.ID, nil, err
	}
	done := o.track(s.ID)
	o.wg.Add(1)
	func() {
		defer o.wg.Done()
		defer o.untrack(s.ID, done)
		o.run(runCtx, s.ID)
		o.abandon(runCtx, s.ID)
	}()

	final, err := o.sessions.Get(s.ID)
	if err != nil {
		return s.ID, nil, err
	}
	switch {
	case final.State == session.Interactive:
		return s.ID, final.Report, nil
	case final.State == session.Failed && final.FailureCode != CodeInterrupted:
		return s.ID, nil, &StageError{Stage: session.Failed, Code: final.FailureCode, Reason: final.FailureReason}
	}
	if err := ctx.Err(); err != nil {
		return s.ID, nil, fmt.Errorf("%w in %s: %w", ErrInterrupted, final.State, err)
	}
	return s.ID, nil, fmt.Errorf("%w in %s", ErrInterrupted, final.State)
}

// abandon fails a session whose synchronous run stopped mid-pipeline
// because the caller went away, so it can be evicted like any other.
func (o *Orchestrator) abandon(runCtx context.Context, id string) {
	reason := "analysis cancelled by caller"
	if cause := context.Cause(runCtx); cause != nil {
		reason += ": " + cause.Error()
	}
	state, err := o.sessions.Abandon(runCtx, id, CodeInterrupted, reason)
	if err != nil {
		return
	}
	logger := tracing.LoggerFromContext(runCtx, o.logger)
	logger.Warn().Str("stage", string(state)).Msg("Pipeline abandoned")
	o.emitStatus(id, state, fmt.Sprintf("failed %s with %s", state, reason))
	o.emit(Event{Kind: EventError, SessionID: id, Stage: session.Failed, Code: CodeInterrupted, Message: reason})
}

// launch binds a new run to the session and starts the pipeline goroutine.
func (o *Orchestrator) launch(parent context.Context, id string) error {
	runCtx, err := o.sessions.BindRun(parent, id)
	if err != nil {
		return err
	}
	done := o.track(id)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(id, done)
		o.run(runCtx, id)
	}()
	return nil
}

func (o *Orchestrator) track(id string) chan struct{} {
	done := make(chan struct{})
	o.runsMu.Lock()
	o.runs[id] = done
	o.runsMu.Unlock()
	return done
}

func (o *Orchestrator) untrack(id string, done chan struct{}) {
	o.runsMu.Lock()
	if o.runs[id] == done {
		delete(o.runs, id)
	}
	o.runsMu.Unlock()
	close(done)
}

// Wait blocks until the session's current pipeline run has exited and
// returns the session state at that point.
func (o *Orchestrator) Wait(ctx context.Context, id string) (session.State, error) {
	o.runsMu.Lock()
	done := o.runs[id]
	o.runsMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s, err := o.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return s.State, nil
}

// Pause stops a running pipeline and returns its checkpoint.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*session.Checkpoint, error) {
	cp, err := o.sessions.Pause(ctx, id)
	if err != nil {
		return nil, err
	}
	if s, err := o.sessions.Get(id); err == nil {
		o.emit(Event{Kind: EventStatus, SessionID: id, Stage: s.State, Detail: s.Detail(), Origin: tracing.GetConnID(ctx)})
	}
	return cp, nil
}

// Checkpoint returns the saved progress of a paused session.
func (o *Orchestrator) Checkpoint(id string) (*session.Checkpoint, error) {
	return o.sessions.Checkpoint(id)
}

// Resume restarts a paused pipeline from the stage it was paused in. Only
// items without a summary are dispatched again.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	to, err := o.sessions.Resume(ctx, id)
	if err != nil {
		return err
	}
	o.emit(Event{Kind: EventStatus, SessionID: id, Stage: to, Detail: "resuming " + string(to), Origin: tracing.GetConnID(ctx)})
	return o.launch(tracing.Detach(ctx), id)
}

// Close removes the session. Its session-scoped memory is reclaimed by the
// eviction hook.
func (o *Orchestrator) Close(ctx context.Context, id string) error {
	return o.sessions.Close(ctx, id)
}

// Status returns the externally visible state of a session.
func (o *Orchestrator) Status(id string) (StatusView, error) {
	s, err := o.sessions.Get(id)
	if err != nil {
		return StatusView{}, err
	}
	return statusView(s), nil
}

// List returns the status of every live session.
func (o *Orchestrator) List() []session.Info {
	return o.sessions.List()
}

// MemoryStats reports how much the memory store currently holds.
func (o *Orchestrator) MemoryStats(ctx context.Context) (memory.Stats, error) {
	return o.store.Stats(ctx)
}

func (o *Orchestrator) reclaim(ctx context.Context, id string, reason session.EvictReason) {
	n, err := o.store.ReclaimSession(context.WithoutCancel(ctx), id)
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), o.logger)
	if err != nil {
		logger.Error().Err(err).Str("reason", string(reason)).Msg("Failed to reclaim session memory")
	} else {
		logger.Info().Int("entries", n).Str("reason", string(reason)).Msg("Session memory reclaimed")
	}
	o.emit(Event{Kind: EventEvicted, SessionID: id, Detail: string(reason)})
}

// Shutdown stops accepting work, closes every session and waits for the
// pipeline goroutines to exit or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closing.CompareAndSwap(false, true) {
		return nil
	}
	o.sessions.CloseAll(ctx)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info().Msg("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipelines: %w", ctx.Err())
	}
}
