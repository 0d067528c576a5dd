package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/paperlens/internal/observability"
)

// DefaultSendBuffer is the number of frames a connection may have queued
// before it is treated as a slow consumer and closed.
const DefaultSendBuffer = 64

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("outbound queue full")
)

// Conn is one connected channel client. Frames are queued by Send and
// written by a single writer goroutine, so senders never wait on the
// network.
type Conn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws           *websocket.Conn
	writeTimeout time.Duration
	send         chan Outbound
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
}

func newConn(id, remoteAddr string, ws *websocket.Conn, writeTimeout time.Duration, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	c := &Conn{
		ID:           id,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now(),
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan Outbound, buffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues one frame without blocking. A full queue closes the
// connection.
func (c *Conn) Send(msg Outbound) error {
	select {
	case <-c.done:
		return fmt.Errorf("send %s to %s: %w", msg.Type, c.ID, ErrConnClosed)
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.close()
		return fmt.Errorf("send %s to %s: %w", msg.Type, c.ID, ErrSlowConsumer)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued, all within one write timeout.
func (c *Conn) flush() {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
			observability.RecordChannelMessage("out", string(msg.Type))
		default:
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) write(msg Outbound) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.Type, c.ID, err)
	}
	observability.RecordChannelMessage("out", string(msg.Type))
	return nil
}

// close stops the writer after it flushes the queue. The socket is closed
// by the writer, which also unblocks the reader.
func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// wait blocks until the writer has exited.
func (c *Conn) wait() {
	<-c.writerDone
}

// ConnInfo describes a connected client.
type ConnInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Sessions     []string  `json:"sessions"`
}

type connEntry struct {
	conn         *Conn
	lastActivity time.Time
	sessions     map[string]struct{}
}

// ClientRegistry tracks connected clients and the sessions each one follows.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*connEntry
	// followers maps a session id to the connections subscribed to it.
	followers map[string]map[string]struct{}
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:   make(map[string]*connEntry),
		followers: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection.
func (r *ClientRegistry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.ID] = &connEntry{conn: c, lastActivity: time.Now(), sessions: make(map[string]struct{})}
}

// Remove forgets a connection and all of its subscriptions.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[connID]
	if !ok {
		return
	}
	for sid := range e.sessions {
		r.unfollow(sid, connID)
	}
	delete(r.clients, connID)
}

// Get returns a connection by id.
func (r *ClientRegistry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// All returns every connection.
func (r *ClientRegistry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.conn)
	}
	return out
}

// Count returns the number of connections.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UpdateActivity records that a connection sent a frame.
func (r *ClientRegistry) UpdateActivity(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.clients[connID]; ok {
		e.lastActivity = time.Now()
	}
}

// Subscribe routes events of sessionID to the connection. Unknown
// connections are ignored.
func (r *ClientRegistry) Subscribe(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[connID]
	if !ok {
		return
	}
	e.sessions[sessionID] = struct{}{}
	set, ok := r.followers[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.followers[sessionID] = set
	}
	set[connID] = struct{}{}
}

// Forget drops every subscription to a session.
func (r *ClientRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID := range r.followers[sessionID] {
		if e, ok := r.clients[connID]; ok {
			delete(e.sessions, sessionID)
		}
	}
	delete(r.followers, sessionID)
}

func (r *ClientRegistry) unfollow(sessionID, connID string) {
	set := r.followers[sessionID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.followers, sessionID)
	}
}

// Subscribers returns the connections following a session.
func (r *ClientRegistry) Subscribers(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.followers[sessionID]
	out := make([]*Conn, 0, len(set))
	for connID := range set {
		if e, ok := r.clients[connID]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// Infos describes every connection, oldest first.
func (r *ClientRegistry) Infos() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(r.clients))
	for _, e := range r.clients {
		sessions := make([]string, 0, len(e.sessions))
		for sid := range e.sessions {
			sessions = append(sessions, sid)
		}
		sort.Strings(sessions)
		infos = append(infos, ConnInfo{
			ID:           e.conn.ID,
			RemoteAddr:   e.conn.RemoteAddr,
			ConnectedAt:  e.conn.ConnectedAt,
			LastActivity: e.lastActivity,
			Sessions:     sessions,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
