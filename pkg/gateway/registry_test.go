package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server and client ends of one websocket connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(hs.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accepted")
	}
	return server, client
}

func TestConnFlushesQueueOnClose(t *testing.T) {
	ws, client := wsPair(t)
	c := newConn("c1", "test", ws, time.Second, 8)

	for _, detail := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send(Outbound{Type: TypeStatus, Detail: detail}))
	}
	c.close()
	c.wait()

	assert.ErrorIs(t, c.Send(Outbound{Type: TypePong}), ErrConnClosed)

	var got []string
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg Outbound
		err := client.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		got = append(got, msg.Detail)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestConnSlowConsumerIsClosed(t *testing.T) {
	ws, _ := wsPair(t)
	c := newConn("c1", "test", ws, 500*time.Millisecond, 4)

	payload := strings.Repeat("x", 64<<10)
	start := time.Now()
	var err error
	for i := 0; i < 2000 && err == nil; i++ {
		err = c.Send(Outbound{Type: TypeStatus, Detail: payload})
	}
	require.Error(t, err, "a client that never reads must overflow the queue")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "Send never waits on the network")
	assert.ErrorIs(t, err, ErrSlowConsumer)

	assert.ErrorIs(t, c.Send(Outbound{Type: TypePong}), ErrConnClosed)

	done := make(chan struct{})
	go func() {
		c.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not exit")
	}
}

func TestRegistrySubscriptions(t *testing.T) {
	r := NewClientRegistry()
	ws, _ := wsPair(t)
	c := newConn("c1", "test", ws, time.Second, 4)
	t.Cleanup(func() {
		c.close()
		c.wait()
	})
	r.Add(c)

	r.Subscribe("c1", "s2")
	r.Subscribe("c1", "s1")
	r.Subscribe("missing", "s1")

	infos := r.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "c1", infos[0].ID)
	assert.Equal(t, []string{"s1", "s2"}, infos[0].Sessions)
	assert.Len(t, r.Subscribers("s1"), 1)

	r.Forget("s1")
	assert.Empty(t, r.Subscribers("s1"))
	assert.Equal(t, []string{"s2"}, r.Infos()[0].Sessions)

	r.Remove("c1")
	assert.Empty(t, r.Subscribers("s2"))
	assert.Zero(t, r.Count())
}
