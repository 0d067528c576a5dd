package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotFound is returned for unknown, closed or evicted session ids.
	ErrNotFound = errors.New("session not found")
	// ErrNotInteractive is returned when Q&A is attempted outside INTERACTIVE.
	ErrNotInteractive = errors.New("session is not interactive")
	// ErrRunSuperseded is returned when a pipeline run tries to mutate a
	// session after it was paused, closed or restarted.
	ErrRunSuperseded = errors.New("pipeline run superseded")
	// ErrInvalidParams wraps every creation parameter failure.
	ErrInvalidParams = errors.New("invalid session parameters")
	// ErrNotPaused is returned when a checkpoint is requested for a session
	// that is not paused.
	ErrNotPaused = errors.New("session is not paused")
)

const (
	DefaultQAHistoryLimit = 50
	DefaultMaxItems       = 50
)

// EvictReason says why a session left the manager.
type EvictReason string

const (
	EvictClosed EvictReason = "closed"
	EvictIdle   EvictReason = "idle"
)

// EvictHook runs after a session is removed, outside any lock.
type EvictHook func(ctx context.Context, sessionID string, reason EvictReason)

// Config holds session manager configuration
type Config struct {
	Logger         zerolog.Logger
	QAHistoryLimit int
	MaxItems       int
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	runID   string
	removed bool
}

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	hooks    []EvictHook
	hooksMu  sync.RWMutex
	logger   zerolog.Logger
	qaLimit  int
	maxItems int
	now      func() time.Time
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	observability.EnsureRegistered()

	m := &Manager{
		sessions: make(map[string]*entry),
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
		qaLimit:  cfg.QAHistoryLimit,
		maxItems: cfg.MaxItems,
		now:      cfg.Now,
	}
	if m.qaLimit <= 0 {
		m.qaLimit = DefaultQAHistoryLimit
	}
	if m.maxItems <= 0 {
		m.maxItems = DefaultMaxItems
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// OnEvict registers a hook called whenever a session is closed or evicted.
func (m *Manager) OnEvict(hook EvictHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) updateActiveSessionsMetric() {
	observability.SetActiveSessions(m.Count())
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, nil
}

// withLock runs fn under the session's lock. Entries removed while the
// caller waited for the lock are reported as not found.
func (m *Manager) withLock(id string, fn func(e *entry) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return fn(e)
}

// Validate checks and normalizes creation parameters.
func (m *Manager) Validate(p Params) (Params, error) {
	p.Topic = strings.TrimSpace(p.Topic)
	if p.Topic == "" {
		return p, fmt.Errorf("%w: topic is required", ErrInvalidParams)
	}
	if p.ItemCount <= 0 {
		return p, fmt.Errorf("%w: item count must be positive", ErrInvalidParams)
	}
	if p.ItemCount > m.maxItems {
		return p, fmt.Errorf("%w: item count must be at most %d", ErrInvalidParams, m.maxItems)
	}
	if p.Depth == "" {
		p.Depth = types.DepthStandard
	}
	if !p.Depth.Valid() {
		return p, fmt.Errorf("%w: unknown depth %q", ErrInvalidParams, p.Depth)
	}
	return p, nil
}

// Create registers a new session in CREATED and returns a copy of it.
func (m *Manager) Create(ctx context.Context, p Params) (*Session, error) {
	p, err := m.Validate(p)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		Topic:      p.Topic,
		ItemCount:  p.ItemCount,
		Depth:      p.Depth,
		State:      Created,
		Summaries:  make(map[string]types.SummaryResult),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastActive: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{session: s}
	m.mu.Unlock()

	m.updateActiveSessionsMetric()
	observability.RecordTransition(string(Created))

	ctx = tracing.WithSessionID(ctx, s.ID)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("topic", s.Topic).
		Int("item_count", s.ItemCount).
		Str("depth", string(s.Depth)).
		Msg("Session created")

	return s.Clone(), nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	var out *Session
	err := m.withLock(id, func(e *entry) error {
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// Touch marks the session as active now.
func (m *Manager) Touch(id string) error {
	return m.withLock(id, func(e *entry) error {
		e.session.LastActive = m.now()
		return nil
	})
}

// Mutate applies fn to the session under its lock. fn must not change
// State; use Transition for that.
func (m *Manager) Mutate(id string, fn func(s *Session) error) error {
	return m.mutate(context.Background(), id, fn)
}

// MutateRun is Mutate for pipeline runs: fn is only applied while runCtx
// is the session's current, uncancelled run.
func (m *Manager) MutateRun(runCtx context.Context, id string, fn func(s *Session) error) error {
	return m.mutate(runCtx, id, fn)
}

func (m *Manager) mutate(runCtx context.Context, id string, fn func(s *Session) error) error {
	return m.withLock(id, func(e *entry) error {
		if err := checkRun(runCtx, e); err != nil {
			return err
		}
		before := e.session.State
		if err := fn(e.session); err != nil {
			return err
		}
		if after := e.session.State; after != before {
			e.session.State = before
			return &TransitionError{From: before, To: after}
		}
		now := m.now()
		e.session.UpdatedAt = now
		e.session.LastActive = now
		return nil
	})
}

// checkRun rejects work from a run that was paused, closed or replaced.
// A context without a run id is not tied to any run.
func checkRun(runCtx context.Context, e *entry) error {
	runID := tracing.GetRunID(runCtx)
	if runID == "" {
		return nil
	}
	if runCtx.Err() != nil || runID != e.runID {
		return fmt.Errorf("%s: %w", e.session.ID, ErrRunSuperseded)
	}
	return nil
}

// BindRun attaches a cancelable pipeline run to the session, replacing and
// cancelling any previous run. The returned context carries the run id and
// is cancelled by Pause and Close.
func (m *Manager) BindRun(parent context.Context, id string) (context.Context, error) {
	var runCtx context.Context
	err := m.withLock(id, func(e *entry) error {
		if e.cancel != nil {
			e.cancel()
		}
		ctx, cancel := context.WithCancel(parent)
		e.runID = tracing.NewRunID()
		e.cancel = cancel
		runCtx = tracing.WithRunID(tracing.WithSessionID(ctx, id), e.runID)
		return nil
	})
	return runCtx, err
}

// Transition moves the session to `to` and applies fn in the same critical
// section, so stage output and the state that exposes it change together.
// runCtx is the context from BindRun; a cancelled run is rejected with
// ErrRunSuperseded without touching the session. A context without a run id
// skips that check.
func (m *Manager) Transition(runCtx context.Context, id string, to State, fn func(s *Session) error) (State, error) {
	var from State
	err := m.withLock(id, func(e *entry) error {
		from = e.session.State
		if err := checkRun(runCtx, e); err != nil {
			return err
		}
		if to == Paused {
			return &TransitionError{From: from, To: to}
		}
		if !CanTransition(from, to) {
			return &TransitionError{From: from, To: to}
		}
		if fn != nil {
			if err := fn(e.session); err != nil {
				return err
			}
		}
		m.setState(e, to)
		if to == Failed || to == Interactive {
			m.releaseRun(e)
		}
		return nil
	})
	if err == nil {
		observability.RecordTransition(string(to))
		m.logger.Debug().Str("session_id", id).Str("from", string(from)).Str("to", string(to)).Msg("Session transition")
	}
	return from, err
}

// Fail moves the session to FAILED with a code and reason. Failing a run
// that was already superseded is a no-op that reports ErrRunSuperseded.
func (m *Manager) Fail(runCtx context.Context, id, code, reason string) error {
	_, err := m.Transition(runCtx, id, Failed, func(s *Session) error {
		s.FailureCode = code
		s.FailureReason = reason
		return nil
	})
	return err
}

// Abandon fails a session whose run ended without reaching a resting state,
// typically because runCtx was cancelled by the caller. It only acts while
// runCtx is still the session's bound run, cancelled or not, and the session
// is in a running stage. It returns the stage the run stopped in.
func (m *Manager) Abandon(runCtx context.Context, id, code, reason string) (State, error) {
	runID := tracing.GetRunID(runCtx)
	var from State
	err := m.withLock(id, func(e *entry) error {
		from = e.session.State
		if runID == "" || runID != e.runID {
			return fmt.Errorf("%s: %w", id, ErrRunSuperseded)
		}
		if !from.Running() {
			return &TransitionError{From: from, To: Failed}
		}
		e.session.FailureCode = code
		e.session.FailureReason = reason
		m.setState(e, Failed)
		m.releaseRun(e)
		return nil
	})
	if err != nil {
		return from, err
	}
	observability.RecordTransition(string(Failed))
	m.logger.Debug().Str("session_id", id).Str("from", string(from)).Msg("Run abandoned")
	return from, nil
}

func (m *Manager) setState(e *entry, to State) {
	now := m.now()
	e.session.State = to
	e.session.UpdatedAt = now
	e.session.LastActive = now
}

func (m *Manager) releaseRun(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.runID = ""
}

// Pause stops the pipeline of a running session and returns its checkpoint.
// In-flight work observes the cancelled run context; its results are
// rejected by Transition and by the orchestrator's summary guard.
func (m *Manager) Pause(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), "paperlens.session", "session.pause",
		attribute.String("session_id", id))
	var cp *Checkpoint
	err := m.withLock(id, func(e *entry) error {
		from := e.session.State
		if !from.Pausable() {
			return &TransitionError{From: from, To: Paused}
		}
		m.releaseRun(e)
		e.session.PausedFrom = from
		m.setState(e, Paused)
		cp = newCheckpoint(e.session, m.now())
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	observability.RecordTransition(string(Paused))
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("paused_from", string(cp.State)).Msg("Session paused")
	return cp, nil
}

// Checkpoint returns the checkpoint of a paused session.
func (m *Manager) Checkpoint(id string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := m.withLock(id, func(e *entry) error {
		if e.session.State != Paused {
			return fmt.Errorf("%s is %s: %w", id, e.session.State, ErrNotPaused)
		}
		cp = newCheckpoint(e.session, e.session.UpdatedAt)
		return nil
	})
	return cp, err
}

// Resume returns a paused session to the state it was paused in and
// reports that state. The caller restarts the pipeline from there.
func (m *Manager) Resume(ctx context.Context, id string) (State, error) {
	var to State
	err := m.withLock(id, func(e *entry) error {
		if e.session.State != Paused {
			return &TransitionError{From: e.session.State, To: e.session.PausedFrom}
		}
		to = e.session.PausedFrom
		if !to.Pausable() {
			return &TransitionError{From: Paused, To: to}
		}
		e.session.PausedFrom = ""
		m.setState(e, to)
		return nil
	})
	if err != nil {
		return "", err
	}

	observability.RecordTransition(string(to))
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), m.logger)
	logger.Info().Str("resumed_to", string(to)).Msg("Session resumed")
	return to, nil
}

// AppendQA records an answered question. The record is only kept while the
// session is INTERACTIVE; the oldest records are dropped beyond the limit.
func (m *Manager) AppendQA(id string, rec types.QARecord) error {
	return m.withLock(id, func(e *entry) error {
		if e.session.State != Interactive {
			return fmt.Errorf("%s is %s: %w", id, e.session.State, ErrNotInteractive)
		}
		h := append(e.session.QAHistory, rec)
		if over := len(h) - m.qaLimit; over > 0 {
			h = append([]types.QARecord(nil), h[over:]...)
		}
		e.session.QAHistory = h
		e.session.LastActive = m.now()
		return nil
	})
}

// Close removes the session, cancels its run and fires eviction hooks.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.remove(id); err != nil {
		return err
	}
	m.fireEvict(ctx, id, EvictClosed)
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), m.logger)
	logger.Info().Msg("Session closed")
	return nil
}

func (m *Manager) remove(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	e.removed = true
	m.releaseRun(e)
	e.mu.Unlock()

	m.updateActiveSessionsMetric()
	return nil
}

func (m *Manager) fireEvict(ctx context.Context, id string, reason EvictReason) {
	m.hooksMu.RLock()
	hooks := append([]EvictHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, id, reason)
	}
}

// EvictIdle removes sessions inactive for longer than ttl. Sessions whose
// pipeline is still running are kept. It returns the evicted ids.
func (m *Manager) EvictIdle(ctx context.Context, ttl time.Duration) []string {
	cutoff := m.now().Add(-ttl)

	m.mu.RLock()
	candidates := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		e.mu.Lock()
		idle := e.session.LastActive.Before(cutoff) && !(e.session.State.Running() && e.cancel != nil)
		e.mu.Unlock()
		if idle {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(candidates)
	var evicted []string
	for _, id := range candidates {
		if err := m.remove(id); err != nil {
			continue
		}
		m.fireEvict(ctx, id, EvictIdle)
		evicted = append(evicted, id)
	}

	if len(evicted) > 0 {
		m.logger.Info().Int("count", len(evicted)).Dur("ttl", ttl).Msg("Evicted idle sessions")
	}
	return evicted
}

// List returns every live session ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.session.Info())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll cancels every run and removes every session, firing hooks.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Close(ctx, id)
	}
}
