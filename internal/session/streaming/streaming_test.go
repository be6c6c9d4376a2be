package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

type fakeHandler struct {
	mu       sync.Mutex
	inputs   []string
	resolved []string // "requestID:approve" or "requestID:deny"
	err      error
}

func (h *fakeHandler) Input(ctx context.Context, sessionID, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.inputs = append(h.inputs, content)
	return nil
}

func (h *fakeHandler) ResolvePermission(ctx context.Context, sessionID, requestID string, approved bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	decision := "deny"
	if approved {
		decision = "approve"
	}
	h.resolved = append(h.resolved, requestID+":"+decision)
	return nil
}

func newTestServer(t *testing.T, handler Handler) (*Server, *httptest.Server, string) {
	t.Helper()
	srv := NewServer(handler, 10, logger.Default())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
		if err := srv.HandleConnection(sessionID, w, r); err != nil {
			t.Logf("HandleConnection: %v", err)
		}
	}))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, ts, wsURL
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) OutboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg OutboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServerRoutesClientMessages(t *testing.T) {
	handler := &fakeHandler{}
	_, _, wsURL := newTestServer(t, handler)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msgs := []InboundMessage{
		{Type: InboundInput, Content: "add a test"},
		{Type: InboundApprove, RequestID: "req-1"},
		{Type: InboundDeny, RequestID: "req-2"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.inputs) == 1 && len(handler.resolved) == 2
	})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.inputs[0] != "add a test" {
		t.Errorf("unexpected input: %v", handler.inputs)
	}
	if handler.resolved[0] != "req-1:approve" || handler.resolved[1] != "req-2:deny" {
		t.Errorf("unexpected resolutions: %v", handler.resolved)
	}
}

func TestServerDeliversOutput(t *testing.T) {
	srv, _, wsURL := newTestServer(t, &fakeHandler{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	srv.SendOutput("s1", "hello", "")
	srv.SendStatusChange("s1", v1.SessionStatusRunning)
	srv.SendPermissionRequest("s1", &v1.PermissionRequest{
		ID: "req-1", SessionID: "s1", Action: "run_tests", Description: "go test ./...",
	})

	out := readMessage(t, conn, 2*time.Second)
	if out.Type != OutboundOutput || out.Content != "hello" {
		t.Errorf("unexpected message: %+v", out)
	}
	status := readMessage(t, conn, 2*time.Second)
	if status.Type != OutboundStatus || status.Status != v1.SessionStatusRunning {
		t.Errorf("unexpected message: %+v", status)
	}
	perm := readMessage(t, conn, 2*time.Second)
	if perm.Type != OutboundPermission || perm.Permission == nil ||
		perm.Permission.RequestID != "req-1" || perm.Permission.Action != "run_tests" {
		t.Errorf("unexpected message: %+v", perm)
	}
}

func TestServerDeliversSubAgentOutput(t *testing.T) {
	srv, _, wsURL := newTestServer(t, &fakeHandler{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	srv.SendOutput("s1", "no issues found", "linter")
	srv.SendOutput("s1", "top-level line", "")

	out := readMessage(t, conn, 2*time.Second)
	if out.Type != OutboundOutput || out.Content != "no issues found" {
		t.Fatalf("unexpected message: %+v", out)
	}
	if out.SubAgent == nil || out.SubAgent.Name != "linter" || out.SubAgent.Output != "no issues found" {
		t.Errorf("sub-agent tag lost on the wire: %+v", out.SubAgent)
	}

	out = readMessage(t, conn, 2*time.Second)
	if out.SubAgent != nil {
		t.Errorf("untagged output should not carry a sub-agent: %+v", out.SubAgent)
	}
}

func TestServerReplaysBacklogOnReconnect(t *testing.T) {
	srv, _, wsURL := newTestServer(t, &fakeHandler{})

	// No client attached yet: output accumulates
	srv.SendOutput("s1", "one", "")
	srv.SendOutput("s1", "two", "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Buffered output arrives first, then live output
	srv.SendOutput("s1", "three", "")
	for _, want := range []string{"one", "two", "three"} {
		msg := readMessage(t, conn, 2*time.Second)
		if msg.Type != OutboundOutput || msg.Content != want {
			t.Fatalf("got %+v, want output %q", msg, want)
		}
	}
}

func TestServerBacklogEvictsOldest(t *testing.T) {
	srv := NewServer(&fakeHandler{}, 3, logger.Default())

	for _, line := range []string{"a", "b", "c", "d", "e"} {
		srv.SendOutput("s1", line, "")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.backlog["s1"]) != 3 {
		t.Fatalf("expected 3 backlogged messages, got %d", len(srv.backlog["s1"]))
	}
}

func TestServerEvictsOldChannel(t *testing.T) {
	srv, _, wsURL := newTestServer(t, &fakeHandler{})

	first, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("first Dial failed: %v", err)
	}
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/s1", nil)
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	defer second.Close()

	// The first connection is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The second connection is live
	srv.SendOutput("s1", "still here", "")
	msg := readMessage(t, second, 2*time.Second)
	if msg.Content != "still here" {
		t.Errorf("unexpected message on new channel: %+v", msg)
	}
}

func TestConnectionClientReconnectCap(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop every connection immediately
		conn.Close()
	}))
	defer ts.Close()

	var mu sync.Mutex
	var states []ConnectionState
	client := NewConnectionClient("ws"+strings.TrimPrefix(ts.URL, "http"), ClientOptions{
		BaseDelay: 5 * time.Millisecond,
		Logger:    logger.Default(),
	})
	client.OnStateChange = func(state ConnectionState, attempt int) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateDisconnected
	})

	// Initial connect plus five reconnect attempts; the next drop does not
	// trigger a further automatic attempt.
	settled := dials.Load()
	if settled != 6 {
		t.Errorf("expected 6 dials (1 connect + 5 reconnects), got %d", settled)
	}
	time.Sleep(200 * time.Millisecond)
	if dials.Load() != settled {
		t.Errorf("client kept dialing after permanent disconnect: %d -> %d", settled, dials.Load())
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %s, want %s", client.State(), StateDisconnected)
	}
}

func TestConnectionClientReceivesMessages(t *testing.T) {
	srv, _, wsURL := newTestServer(t, &fakeHandler{})

	var mu sync.Mutex
	var received []OutboundMessage
	client := NewConnectionClient(wsURL+"/ws/s1", ClientOptions{Logger: logger.Default()})
	client.OnMessage = func(msg OutboundMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	srv.SendOutput("s1", "hello from server", "")
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != OutboundOutput || received[0].Content != "hello from server" {
		t.Errorf("unexpected message: %+v", received[0])
	}

	if err := client.SendInput("hi"); err != nil {
		t.Errorf("SendInput failed: %v", err)
	}
}
