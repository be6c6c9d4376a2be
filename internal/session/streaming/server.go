package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	// sendQueueSize bounds the per-channel outbound queue.
	sendQueueSize = 256
)

// Handler receives client messages routed off a session's channel.
type Handler interface {
	// Input delivers one line of user input to a session.
	Input(ctx context.Context, sessionID, content string) error

	// ResolvePermission applies an approve or deny decision.
	ResolvePermission(ctx context.Context, sessionID, requestID string, approved bool) error
}

// channel is one live WebSocket connection for a session.
type channel struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (ch *channel) close() {
	ch.once.Do(func() {
		close(ch.closed)
		ch.conn.Close()
	})
}

// Server owns the per-session channels and undelivered output backlogs.
type Server struct {
	handler    Handler
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	backlogCap int

	// onAttach, when set, is invoked after a client (re)connects and the
	// backlog has been queued, so current state can be resent.
	onAttach func(sessionID string)

	mu       sync.Mutex
	channels map[string]*channel
	backlog  map[string][][]byte
}

// NewServer creates a protocol server. backlogCap bounds the number of
// undelivered output messages retained per session while no client is
// attached.
func NewServer(handler Handler, backlogCap int, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	if backlogCap <= 0 {
		backlogCap = 1000
	}
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:     log.WithFields(zap.String("component", "streaming")),
		backlogCap: backlogCap,
		channels:   make(map[string]*channel),
		backlog:    make(map[string][][]byte),
	}
}

// SetAttachListener registers a callback invoked on every new connection.
func (s *Server) SetAttachListener(fn func(sessionID string)) {
	s.onAttach = fn
}

// HandleConnection upgrades the request and attaches the connection as the
// session's live channel, evicting any previous one.
func (s *Server) HandleConnection(sessionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	// The send queue must hold a full backlog replay plus live output.
	ch := &channel{
		conn:   conn,
		send:   make(chan []byte, s.backlogCap+sendQueueSize),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.channels[sessionID]; ok {
		// At most one live channel per session
		old.close()
	}
	s.channels[sessionID] = ch

	// Replay output buffered while no client was attached, in order,
	// before any new live output.
	for _, msg := range s.backlog[sessionID] {
		ch.send <- msg
	}
	delete(s.backlog, sessionID)
	s.mu.Unlock()

	s.logger.Info("client attached",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	go s.writePump(sessionID, ch)
	go s.readPump(sessionID, ch)

	if s.onAttach != nil {
		s.onAttach(sessionID)
	}
	return nil
}

// Detach closes and forgets the session's channel and backlog, for deletion.
func (s *Server) Detach(sessionID string) {
	s.mu.Lock()
	ch, ok := s.channels[sessionID]
	if ok {
		delete(s.channels, sessionID)
	}
	delete(s.backlog, sessionID)
	s.mu.Unlock()

	if ok {
		ch.close()
	}
}

// SendOutput delivers one line of agent output, buffering it when no client
// is attached.
func (s *Server) SendOutput(sessionID, content, subAgent string) {
	s.deliver(sessionID, NewOutputMessage(content, subAgent), true)
}

// SendPermissionRequest notifies the client of a pending permission request.
func (s *Server) SendPermissionRequest(sessionID string, req *v1.PermissionRequest) {
	s.deliver(sessionID, NewPermissionMessage(req), false)
}

// SendStatusChange notifies the client of a session status change.
func (s *Server) SendStatusChange(sessionID string, status v1.SessionStatus) {
	s.deliver(sessionID, NewStatusMessage(status), false)
}

// SendError reports a session-level error to the client.
func (s *Server) SendError(sessionID, content string) {
	s.deliver(sessionID, NewErrorMessage(content), false)
}

// deliver queues a message on the live channel, or appends output messages to
// the backlog when no client is attached. Ephemeral messages (status,
// permission, error) are not backlogged: they are resent from current session
// state on reconnect.
func (s *Server) deliver(sessionID string, msg OutboundMessage, backlog bool) {
	data := msg.encode()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[sessionID]; ok {
		select {
		case ch.send <- data:
			return
		default:
			// Slow client; fall through to the backlog for output
			s.logger.Warn("send queue full",
				zap.String("session_id", sessionID),
				zap.String("type", msg.Type))
		}
	}
	if !backlog {
		return
	}

	queue := s.backlog[sessionID]
	if len(queue) >= s.backlogCap {
		queue = queue[1:]
		s.logger.Warn("output backlog full, dropping oldest message",
			zap.String("session_id", sessionID),
			zap.Int("capacity", s.backlogCap))
	}
	s.backlog[sessionID] = append(queue, data)
}

func (s *Server) readPump(sessionID string, ch *channel) {
	defer func() {
		s.mu.Lock()
		if s.channels[sessionID] == ch {
			delete(s.channels, sessionID)
		}
		s.mu.Unlock()
		ch.close()
	}()

	ch.conn.SetReadLimit(maxMessageSize)
	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid client message",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		s.dispatch(sessionID, ch, msg)
	}
}

// dispatch routes one client message to the handler. Handler errors are
// reported back on the channel and do not terminate the connection.
func (s *Server) dispatch(sessionID string, ch *channel, msg InboundMessage) {
	ctx := context.Background()

	var err error
	switch msg.Type {
	case InboundInput:
		err = s.handler.Input(ctx, sessionID, msg.Content)
	case InboundApprove:
		err = s.handler.ResolvePermission(ctx, sessionID, msg.RequestID, true)
	case InboundDeny:
		err = s.handler.ResolvePermission(ctx, sessionID, msg.RequestID, false)
	default:
		s.logger.Warn("unknown message type",
			zap.String("session_id", sessionID),
			zap.String("type", msg.Type))
		return
	}

	if err != nil {
		s.logger.Warn("client message rejected",
			zap.String("session_id", sessionID),
			zap.String("type", msg.Type),
			zap.Error(err))
		select {
		case ch.send <- NewErrorMessage(err.Error()).encode():
		default:
		}
	}
}

func (s *Server) writePump(sessionID string, ch *channel) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ch.close()
	}()

	for {
		select {
		case data := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ch.closed:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ch.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
