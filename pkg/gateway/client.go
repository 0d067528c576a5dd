package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrPongTimeout is the liveness failure that triggers a reconnect.
	ErrPongTimeout = errors.New("no pong within timeout")
	// ErrClientClosed is returned by Send after Close or a failed reconnect.
	ErrClientClosed = errors.New("channel client closed")
)

// ClientConfig configures a channel client.
type ClientConfig struct {
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	// MaxReconnects bounds consecutive failed dial attempts after a loss.
	MaxReconnects int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Dialer        *websocket.Dialer
	Logger        zerolog.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Client is a session channel client that pings the server and re-dials
// when a pong does not arrive in time. Frames other than pong are
// delivered on Messages.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	err     error

	messages   chan Outbound
	reconnects atomic.Int64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Dial connects to the channel at cfg.URL.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	ws, _, err := cfg.Dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "channel-client").Logger(),
		ws:       ws,
		messages: make(chan Outbound, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(runCtx, ws)
	return c, nil
}

// Messages delivers server frames. It is closed when the client stops.
func (c *Client) Messages() <-chan Outbound {
	return c.messages
}

// Reconnects reports how many times the client re-dialed.
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one inbound frame on the current connection.
func (c *Client) Send(msg Inbound) error {
	c.mu.Lock()
	ws, err := c.ws, c.err
	c.mu.Unlock()
	if ws == nil || err != nil {
		return ErrClientClosed
	}
	return c.write(ws, msg)
}

// Close stops the client and waits for its goroutines.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) write(ws *websocket.Conn, msg Inbound) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)
	defer close(c.messages)

	for {
		err := c.serve(ctx, ws)
		if ctx.Err() != nil {
			c.setConn(nil, ErrClientClosed)
			return
		}
		c.logger.Warn().Err(err).Msg("Channel lost, reconnecting")

		ws, err = c.redial(ctx)
		if err != nil {
			c.setConn(nil, err)
			return
		}
		c.reconnects.Add(1)
		c.setConn(ws, nil)
		c.logger.Info().Int("reconnects", c.Reconnects()).Msg("Channel reconnected")
	}
}

func (c *Client) setConn(ws *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	if err != nil {
		c.err = err
	}
}

// serve pumps frames from ws and keeps it alive. It returns when the
// connection fails, a pong is overdue, or ctx ends.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	pongs := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	defer func() {
		close(stop)
		_ = ws.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg Outbound
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
				continue
			}
			if msg.Type == TypePong {
				select {
				case pongs <- struct{}{}:
				default:
				}
				continue
			}
			select {
			case c.messages <- msg:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	var timer *time.Timer
	var overdue <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if overdue != nil {
				continue
			}
			if err := c.write(ws, &PingMessage{}); err != nil {
				return err
			}
			timer = time.NewTimer(c.cfg.PongTimeout)
			overdue = timer.C
		case <-pongs:
			if timer != nil {
				timer.Stop()
			}
			timer, overdue = nil, nil
		case <-overdue:
			return ErrPongTimeout
		}
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := c.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Reconnect failed")

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, fmt.Errorf("reconnect to %s failed after %d attempts: %w", c.cfg.URL, c.cfg.MaxReconnects, lastErr)
}
