package cli

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/harun/paperlens/pkg/gateway"
	"github.com/harun/paperlens/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDaemon answers channel frames the way a daemon with an instant
// pipeline would.
type scriptedDaemon struct {
	mu       sync.Mutex
	received []gateway.Inbound
	failAsk  bool
}

func (d *scriptedDaemon) serve(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := gateway.Decode(data)
			if !assert.NoError(t, err) {
				return
			}
			d.mu.Lock()
			d.received = append(d.received, msg)
			failAsk := d.failAsk
			d.mu.Unlock()

			switch m := msg.(type) {
			case *gateway.PingMessage:
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypePong})
			case *gateway.StartMessage:
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeStatus, SessionID: "s1", Stage: "CREATED", Detail: "analysis queued"})
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeStatus, SessionID: "s1", Stage: "RETRIEVING", Detail: "entering RETRIEVING"})
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeResult, SessionID: "s1", Report: &types.Report{
					Topic:            m.Topic,
					ExecutiveSummary: "Graphs are everywhere.",
					KeyFindings:      []string{"message passing wins"},
					ItemsAnalyzed:    m.ItemCount,
				}})
			case *gateway.QuestionMessage:
				if failAsk {
					_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeError, SessionID: m.SessionID, Code: gateway.CodeNotReady, Message: "not ready"})
					continue
				}
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeAnswer, SessionID: m.SessionID, Question: m.Text, Text: "Because of " + m.Text})
			case *gateway.CloseMessage:
				_ = ws.WriteJSON(gateway.Outbound{Type: gateway.TypeStatus, SessionID: m.SessionID, Stage: gateway.StageClosed, Detail: "session closed"})
			}
		}
	}))
}

func wsURLOf(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChatAnalyzesAndAnswers(t *testing.T) {
	d := &scriptedDaemon{}
	srv := d.serve(t)
	defer srv.Close()

	out, _, err := execute(t, strings.NewReader("why graphs?\n\nhow fast?\n/quit\nignored\n"),
		"chat", "graph learning", "--url", wsURLOf(srv), "--items", "4", "--depth", "quick")
	require.NoError(t, err)

	assert.Contains(t, out, "[CREATED] analysis queued")
	assert.Contains(t, out, "[RETRIEVING] entering RETRIEVING")
	assert.Contains(t, out, "Graphs are everywhere.")
	assert.Contains(t, out, "  - message passing wins")
	assert.Contains(t, out, "4 papers analyzed")
	assert.Contains(t, out, "Because of why graphs?")
	assert.Contains(t, out, "Because of how fast?")
	assert.NotContains(t, out, "ignored")

	d.mu.Lock()
	defer d.mu.Unlock()
	var kinds []string
	for _, m := range d.received {
		switch m := m.(type) {
		case *gateway.StartMessage:
			assert.Equal(t, &gateway.StartMessage{Topic: "graph learning", ItemCount: 4, Depth: types.DepthQuick}, m)
			kinds = append(kinds, "start")
		case *gateway.QuestionMessage:
			assert.Equal(t, "s1", m.SessionID)
			kinds = append(kinds, "question")
		case *gateway.CloseMessage:
			assert.Equal(t, "s1", m.SessionID)
			kinds = append(kinds, "close")
		}
	}
	assert.Equal(t, []string{"start", "question", "question", "close"}, kinds)
}

func TestChatPrintsQuestionErrors(t *testing.T) {
	d := &scriptedDaemon{failAsk: true}
	srv := d.serve(t)
	defer srv.Close()

	out, _, err := execute(t, strings.NewReader("too soon?\n"),
		"chat", "graph learning", "--url", wsURLOf(srv))
	require.NoError(t, err)
	assert.Contains(t, out, "error: NotReady: not ready")
}

func TestChatRejectsBadDepth(t *testing.T) {
	_, _, err := execute(t, nil, "chat", "graphs", "--depth", "deep")
	assert.ErrorContains(t, err, "invalid depth")
}

func TestChatUnreachableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURLOf(srv)
	srv.Close()

	_, _, err := execute(t, nil, "chat", "graphs", "--url", url)
	assert.ErrorContains(t, err, "failed to connect")
}
