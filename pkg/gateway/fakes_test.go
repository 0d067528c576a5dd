package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeText answers every prompt kind. Summaries wait on gate when set,
// answers on answerGate.
type fakeText struct {
	mu         sync.Mutex
	gate       chan struct{}
	answerGate chan struct{}
	answering  atomic.Int32
}

func (f *fakeText) Provider() string { return "fake" }

func (f *fakeText) hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeText) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *fakeText) holdAnswers() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerGate = make(chan struct{})
	return f.answerGate
}

func (f *fakeText) Generate(ctx context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "QUESTION:"):
		f.mu.Lock()
		gate := f.answerGate
		f.mu.Unlock()
		if gate != nil {
			f.answering.Add(1)
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		q := prompt[strings.LastIndex(prompt, "QUESTION:")+len("QUESTION:"):]
		answer := "Answer to " + strings.TrimSpace(strings.SplitN(q, "\n", 2)[0])
		if strings.Contains(prompt, "relevant_finding") {
			return `{"answer": "` + answer + `", "citations": [{"paper_id": "a", "relevant_finding": "f"}, {"paper_id": "zz"}], "confidence": "medium"}`, nil
		}
		return answer, nil
	case strings.Contains(prompt, "RESEARCH TOPIC:"):
		return `{"executive_summary": "Findings hold.", "key_findings": ["k"], "research_gaps": [], "future_directions": [], "full_report": "# R"}`, nil
	case strings.Contains(prompt, "comparing a chosen set of papers"):
		return `{"similarities": ["both"], "differences": [], "complementary_insights": [], "synthesis": "Together."}`, nil
	case strings.Contains(prompt, "cross-reference analysis"):
		return `{"connections": [], "contradictions": [], "research_gaps": []}`, nil
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return `{"executive_summary": "A summary", "results": "r"}`, nil
}

type fakeSource struct {
	items []types.Item
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Search(ctx context.Context, query string, maxResults int) ([]types.Item, error) {
	return f.items, nil
}

func (f *fakeSource) Fetch(ctx context.Context, ids []string) ([]types.Item, error) {
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

type harness struct {
	server   *Server
	http     *httptest.Server
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	text     *fakeText
	source   *fakeSource
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.NewStore(memory.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)

	h := &harness{
		sessions: session.NewManager(session.Config{Logger: zerolog.Nop()}),
		text:     &fakeText{},
		source: &fakeSource{items: []types.Item{
			{ID: "a", Title: "Paper A"},
			{ID: "b", Title: "Paper B"},
		}},
	}
	h.orch, err = orchestrator.New(h.sessions, store, h.text, h.source,
		orchestrator.WithLogger(zerolog.Nop()),
		orchestrator.WithTunables(orchestrator.Tunables{
			Concurrency:  2,
			TaskTimeout:  5 * time.Second,
			StageTimeout: 5 * time.Second,
			Retry:        textgen.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
			ContextLimit: 5,
		}))
	require.NoError(t, err)

	h.server, err = NewServer(Config{Backend: h.orch, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.http = newTestHTTPServer(t, h.server)

	t.Cleanup(func() {
		h.text.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
		_ = store.Close()
	})
	return h
}

// newTestHTTPServer serves srv and stops both on cleanup.
func newTestHTTPServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		hs.Close()
	})
	return hs
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Outbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil reads frames until match accepts one, returning every frame read.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Outbound) bool) []Outbound {
	t.Helper()
	var seen []Outbound
	for {
		msg := read(t, conn)
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}
