package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// ConnectionState describes the client side of a session channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// maxReconnectAttempts caps automatic reconnection after an unexpected drop.
// Once exhausted, the client stays disconnected until Retry is called.
const maxReconnectAttempts = 5

// ConnectionClient maintains the duplex channel to one session, reconnecting
// with exponential backoff when the channel drops unexpectedly.
type ConnectionClient struct {
	url       string
	dialer    *websocket.Dialer
	baseDelay time.Duration
	logger    *logger.Logger

	// OnMessage receives every server message, including replayed backlog.
	OnMessage func(msg OutboundMessage)

	// OnStateChange reports connection state with the reconnect attempt
	// number (0 outside of reconnection).
	OnStateChange func(state ConnectionState, attempt int)

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnectionState
	closed  bool
	readGen int

	// attempts counts reconnections since the last explicit Connect or
	// Retry. It does not reset on a successful reconnect, so a flapping
	// server cannot keep the client retrying forever.
	attempts int
}

// ClientOptions tunes a ConnectionClient.
type ClientOptions struct {
	// BaseDelay is the first reconnect delay; it doubles per attempt.
	BaseDelay time.Duration
	Logger    *logger.Logger
}

// NewConnectionClient creates a client for the given WebSocket URL.
func NewConnectionClient(url string, opts ClientOptions) *ConnectionClient {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &ConnectionClient{
		url:       url,
		dialer:    websocket.DefaultDialer,
		baseDelay: opts.BaseDelay,
		logger:    opts.Logger.WithFields(zap.String("component", "connection_client")),
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (c *ConnectionClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionClient) setState(state ConnectionState, attempt int) {
	c.mu.Lock()
	c.state = state
	cb := c.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(state, attempt)
	}
}

// Connect establishes the channel and starts reading server messages.
func (c *ConnectionClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection client is closed")
	}
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnecting, 0)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected, 0)
		return err
	}
	c.setState(StateConnected, 0)
	return nil
}

// Retry re-establishes the channel after automatic reconnection has been
// exhausted. The attempt budget starts fresh.
func (c *ConnectionClient) Retry(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *ConnectionClient) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.readGen++
	gen := c.readGen
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

// readLoop consumes server messages until the connection drops, then drives
// automatic reconnection.
func (c *ConnectionClient) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg OutboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid server message", zap.Error(err))
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}

	c.mu.Lock()
	stale := c.closed || gen != c.readGen
	c.mu.Unlock()
	if stale {
		// Closed deliberately or superseded by a newer connection
		return
	}
	c.reconnect()
}

// reconnect attempts to re-establish the channel with exponential backoff,
// giving up once the attempt budget is spent.
func (c *ConnectionClient) reconnect() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.attempts >= maxReconnectAttempts {
			c.mu.Unlock()
			c.logger.Error("reconnection attempts exhausted",
				zap.Int("attempts", maxReconnectAttempts))
			c.setState(StateDisconnected, maxReconnectAttempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := c.baseDelay << (attempt - 1)
		c.setState(StateReconnecting, attempt)
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		c.setState(StateConnected, attempt)
		return
	}
}

func (c *ConnectionClient) send(msg InboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// SendInput sends one line of user input.
func (c *ConnectionClient) SendInput(content string) error {
	return c.send(InboundMessage{Type: InboundInput, Content: content})
}

// Approve approves a pending permission request.
func (c *ConnectionClient) Approve(requestID string) error {
	return c.send(InboundMessage{Type: InboundApprove, RequestID: requestID})
}

// Deny denies a pending permission request.
func (c *ConnectionClient) Deny(requestID string) error {
	return c.send(InboundMessage{Type: InboundDeny, RequestID: requestID})
}

// Close shuts the channel down without triggering reconnection.
func (c *ConnectionClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setState(StateDisconnected, 0)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}
