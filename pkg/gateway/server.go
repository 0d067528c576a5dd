package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/lanes"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 10 * time.Second
	defaultDrainTimeout = 30 * time.Second
	// maxPendingQuestions caps the backlog of one connection on one session.
	maxPendingQuestions = 16
)

// Backend is the orchestrator surface the gateway drives.
type Backend interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (string, error)
	Analyze(ctx context.Context, req orchestrator.StartRequest) (string, *types.Report, error)
	Ask(ctx context.Context, id, question string) (string, error)
	AskCited(ctx context.Context, id, question string) (*types.CitedAnswer, error)
	Compare(ctx context.Context, req orchestrator.CompareRequest) (*types.Comparison, error)
	Pause(ctx context.Context, id string) (*session.Checkpoint, error)
	Checkpoint(id string) (*session.Checkpoint, error)
	MemoryStats(ctx context.Context) (memory.Stats, error)
	Resume(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	Status(id string) (orchestrator.StatusView, error)
	List() []session.Info
	OnEvent(sink orchestrator.EventSink)
}

// Server serves the session channel and the HTTP entrypoints.
type Server struct {
	host         string
	port         int
	readLimit    int64
	writeTimeout time.Duration
	drainTimeout time.Duration
	sendBuffer   int

	backend   Backend
	server    *http.Server
	listener  net.Listener
	upgrader  websocket.Upgrader
	clients   *ClientRegistry
	router    *EventRouter
	questions *lanes.Queue
	logger    zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	connWG         sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Backend Backend
	Host    string
	// Port 0 picks a free port; see Addr.
	Port         int
	ReadLimit    int64
	WriteTimeout time.Duration
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// DrainTimeout bounds how long Stop waits for in-flight HTTP requests.
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// NewServer creates a server and subscribes it to the backend's events.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		drainTimeout: cfg.DrainTimeout,
		sendBuffer:   cfg.SendBuffer,
		backend:      cfg.Backend,
		clients:      clients,
		router:       NewEventRouter(clients, logger),
		questions:    lanes.New(logger),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	cfg.Backend.OnEvent(s.router.Route)
	return s, nil
}

// Clients returns the connection registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("POST /api/analyze", s.track(s.handleAnalyze))
	mux.Handle("POST /api/question", s.track(s.handleQuestion))
	mux.Handle("POST /api/compare", s.track(s.handleCompare))
	mux.Handle("GET /api/sessions", s.track(s.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", s.track(s.handleGetSession))
	mux.Handle("POST /api/sessions/{id}/pause", s.track(s.handlePauseSession))
	mux.Handle("GET /api/sessions/{id}/checkpoint", s.track(s.handleGetCheckpoint))
	mux.Handle("POST /api/sessions/{id}/resume", s.track(s.handleResumeSession))
	mux.Handle("DELETE /api/sessions/{id}", s.track(s.handleCloseSession))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight HTTP requests, closes every
// connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.drainTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("Shutdown cancelled, forcing close")
	}

	_ = s.questions.Close()
	for _, c := range s.clients.All() {
		c.close()
	}
	s.connWG.Wait()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	c := newConn(connID, r.RemoteAddr, ws, s.writeTimeout, s.sendBuffer)
	s.clients.Add(c)
	observability.AddChannelConnections(1)

	s.logger.Info().
		Str("conn_id", connID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	s.connWG.Add(1)
	go s.serveConn(c)
}

// serveConn is the receive loop. It ends only on a transport failure or a
// disconnect frame.
func (s *Server) serveConn(c *Conn) {
	ctx, cancel := context.WithCancel(tracing.WithConnID(tracing.EnsureTraceID(context.Background()), c.ID))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	defer func() {
		cancel()
		c.close()
		c.wait()
		s.clients.Remove(c.ID)
		observability.AddChannelConnections(-1)
		logger.Info().Msg("Client disconnected")
		s.connWG.Done()
	}()

	c.ws.SetReadLimit(s.readLimit)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(c.ID)

		if kind != websocket.TextMessage {
			s.reply(ctx, c, errorMessage("", &ProtocolError{Code: CodeMalformedMessage, Message: "only text frames are accepted"}))
			continue
		}
		if !s.handleFrame(ctx, c, data) {
			logger.Debug().Msg("Client requested disconnect")
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. It reports false when the
// client asked to disconnect.
func (s *Server) handleFrame(ctx context.Context, c *Conn, data []byte) (keepOpen bool) {
	keepOpen = true
	defer s.recoverInto(ctx, c, "")

	msg, err := Decode(data)
	if err != nil {
		observability.RecordChannelMessage("in", "invalid")
		s.reply(ctx, c, errorMessage("", err))
		return true
	}
	observability.RecordChannelMessage("in", string(msg.messageType()))
	return s.dispatch(ctx, c, msg)
}

// recoverInto turns a handler panic into an error frame.
func (s *Server) recoverInto(ctx context.Context, c *Conn, sessionID string) {
	r := recover()
	if r == nil {
		return
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Error().
		Interface("panic", r).
		Str("stack", string(debug.Stack())).
		Msg("Message handler panicked")
	s.reply(ctx, c, Outbound{
		Type:      TypeError,
		SessionID: sessionID,
		Code:      CodeInternal,
		Message:   fmt.Sprintf("internal error: %v", r),
	})
}

func (s *Server) dispatch(ctx context.Context, c *Conn, msg Inbound) bool {
	switch m := msg.(type) {
	case *StartMessage:
		s.onStart(ctx, c, m)
	case *QuestionMessage:
		s.onQuestion(ctx, c, m)
	case *PingMessage:
		s.reply(ctx, c, Outbound{Type: TypePong})
	case *StatusRequest:
		s.onStatus(ctx, c, m.SessionID)
	case *PauseMessage:
		if _, err := s.backend.Pause(ctx, m.SessionID); err != nil {
			s.reply(ctx, c, errorMessage(m.SessionID, err))
		}
	case *ResumeMessage:
		if err := s.backend.Resume(ctx, m.SessionID); err != nil {
			s.reply(ctx, c, errorMessage(m.SessionID, err))
		}
	case *CloseMessage:
		s.onClose(ctx, c, m.SessionID)
	case *DisconnectMessage:
		return false
	default:
		s.reply(ctx, c, errorMessage("", &ProtocolError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unhandled message type %q", msg.messageType()),
		}))
	}
	return true
}

func (s *Server) onStart(ctx context.Context, c *Conn, m *StartMessage) {
	req := orchestrator.StartRequest{Topic: m.Topic, ItemCount: m.ItemCount, Depth: m.Depth}
	id, err := s.backend.Start(ctx, req)
	if err != nil {
		s.reply(ctx, c, errorMessage(id, err))
		return
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), s.logger)
	logger.Info().
		Str("topic", m.Topic).
		Msg("Analysis started from channel")
}

// onQuestion answers on a per-connection, per-session lane so questions on
// one session are answered in the order they were asked while the receive
// loop keeps reading.
func (s *Server) onQuestion(ctx context.Context, c *Conn, m *QuestionMessage) {
	lane := questionLane(c, m.SessionID)
	if s.questions.Len(lane) >= maxPendingQuestions {
		s.reply(ctx, c, errorMessage(m.SessionID, &ProtocolError{
			Code:    CodeBusy,
			Message: fmt.Sprintf("too many pending questions (max %d)", maxPendingQuestions),
		}))
		return
	}
	s.questions.Submit(ctx, lane, func(ctx context.Context) error {
		defer s.recoverInto(ctx, c, m.SessionID)

		ctx = tracing.WithSessionID(ctx, m.SessionID)
		var msg Outbound
		if m.Citations {
			answer, err := s.backend.AskCited(ctx, m.SessionID, m.Text)
			if err != nil {
				s.reply(ctx, c, errorMessage(m.SessionID, err))
				return err
			}
			msg = citedAnswerMessage(m.SessionID, m.Text, answer)
		} else {
			answer, err := s.backend.Ask(ctx, m.SessionID, m.Text)
			if err != nil {
				s.reply(ctx, c, errorMessage(m.SessionID, err))
				return err
			}
			msg = answerMessage(m.SessionID, m.Text, answer)
		}
		s.clients.Subscribe(c.ID, m.SessionID)
		s.reply(ctx, c, msg)
		return nil
	})
}

func (s *Server) onStatus(ctx context.Context, c *Conn, id string) {
	view, err := s.backend.Status(id)
	if err != nil {
		s.reply(ctx, c, errorMessage(id, err))
		return
	}
	s.clients.Subscribe(c.ID, id)
	s.reply(ctx, c, statusMessage(id, view.State, view.Detail))
}

func (s *Server) onClose(ctx context.Context, c *Conn, id string) {
	if err := s.backend.Close(ctx, id); err != nil {
		s.reply(ctx, c, errorMessage(id, err))
		return
	}
	s.clients.Forget(id)
	s.questions.Clear(questionLane(c, id))
	s.reply(ctx, c, Outbound{Type: TypeStatus, SessionID: id, Stage: StageClosed, Detail: "session closed"})
}

func questionLane(c *Conn, sessionID string) string {
	return c.ID + "/" + sessionID
}

// StageClosed is the stage reported once a session was closed on request.
const StageClosed = "CLOSED"

func (s *Server) reply(ctx context.Context, c *Conn, msg Outbound) {
	if err := c.Send(msg); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to send reply")
	}
}
