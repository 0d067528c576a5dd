package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeText routes prompts by their shape and counts calls per item title.
type fakeText struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts []string

	summarize func(ctx context.Context, title string, call int) (string, error)
	crossref  func(ctx context.Context) (string, error)
	synth     func(ctx context.Context) (string, error)
	answer    func(ctx context.Context, prompt string) (string, error)
	compare   func(ctx context.Context, prompt string) (string, error)
}

func newFakeText() *fakeText {
	return &fakeText{calls: map[string]int{}}
}

func (f *fakeText) Provider() string { return "fake" }

func (f *fakeText) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	switch {
	case strings.Contains(prompt, "QUESTION:"):
		if f.answer != nil {
			return f.answer(ctx, prompt)
		}
		q := prompt[strings.LastIndex(prompt, "QUESTION:")+len("QUESTION:"):]
		q = strings.TrimSpace(strings.SplitN(q, "\n", 2)[0])
		return "Answer to " + q, nil
	case strings.Contains(prompt, "RESEARCH TOPIC:"):
		if f.synth != nil {
			return f.synth(ctx)
		}
		return `{"executive_summary": "The field is moving.", "key_findings": ["k1"], "research_gaps": ["g1"], "future_directions": ["d1"], "full_report": "# Report"}`, nil
	case strings.Contains(prompt, "comparing a chosen set of papers"):
		if f.compare != nil {
			return f.compare(ctx, prompt)
		}
		return `{"similarities": ["s1"], "differences": ["d1"], "complementary_insights": [], "best_for": {"scope": "a"}, "synthesis": "Together."}`, nil
	case strings.Contains(prompt, "cross-reference analysis"):
		if f.crossref != nil {
			return f.crossref(ctx)
		}
		return `{"connections": [{"paper_ids": ["a"], "description": "linked"}], "contradictions": [], "research_gaps": ["none"]}`, nil
	}

	title := titleOf(prompt)
	f.mu.Lock()
	f.calls[title]++
	call := f.calls[title]
	f.mu.Unlock()
	if f.summarize != nil {
		return f.summarize(ctx, title, call)
	}
	return summaryJSON(title), nil
}

func (f *fakeText) callsFor(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[title]
}

func (f *fakeText) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

func titleOf(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Title: "); ok {
			return rest
		}
	}
	return ""
}

func summaryJSON(title string) string {
	return fmt.Sprintf(`{"executive_summary": "Summary of %s", "results": "%s results"}`, title, title)
}

func transientErr(msg string) error {
	return &textgen.Error{Kind: textgen.Transient, Provider: "fake", Status: 503, Err: errors.New(msg)}
}

func permanentErr(msg string) error {
	return &textgen.Error{Kind: textgen.Permanent, Provider: "fake", Status: 400, Err: errors.New(msg)}
}

type fakeSource struct {
	items   []types.Item
	err     error
	fetched []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Search(ctx context.Context, query string, maxResults int) ([]types.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeSource) Fetch(ctx context.Context, ids []string) ([]types.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fetched = append(f.fetched, ids...)
	var out []types.Item
	for _, id := range ids {
		for _, it := range f.items {
			if it.ID == id {
				out = append(out, it)
			}
		}
	}
	return out, nil
}

func threeItems() []types.Item {
	return []types.Item{
		{ID: "a", Title: "Paper A", Authors: []string{"Ada"}},
		{ID: "b", Title: "Paper B", Authors: []string{"Bob"}},
		{ID: "c", Title: "Paper C", Authors: []string{"Cy"}},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) details(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.SessionID == id && ev.Kind == EventStatus {
			out = append(out, ev.Detail)
		}
	}
	return out
}

func (l *eventLog) ofKind(id string, kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.SessionID == id && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Manager
	store    *memory.Store
	text     *fakeText
	source   *fakeSource
	events   *eventLog
}

func fastTunables() Tunables {
	return Tunables{
		Concurrency:  3,
		TaskTimeout:  time.Second,
		StageTimeout: 5 * time.Second,
		Retry:        textgen.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		ContextLimit: 5,
	}
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.NewStore(memory.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		sessions: session.NewManager(session.Config{Logger: zerolog.Nop()}),
		store:    store,
		text:     newFakeText(),
		source:   &fakeSource{items: threeItems()},
		events:   &eventLog{},
	}
	h.orch, err = New(h.sessions, store, h.text, h.source,
		WithLogger(zerolog.Nop()),
		WithTunables(fastTunables()),
		WithEventSink(h.events.sink))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, h *harness, id string) session.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	return st
}
