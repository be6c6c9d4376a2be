package session

import (
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// BufferedOutput is one line of agent output withheld while a permission
// decision is pending.
type BufferedOutput struct {
	Content  string
	SubAgent string
}

// PermissionGate tracks the single pending permission request of a session and
// buffers agent output while the session is waiting on a decision. The buffer
// is bounded; when full the oldest line is evicted and a warning is logged.
type PermissionGate struct {
	mu       sync.Mutex
	pending  *v1.PermissionRequest
	buffer   []BufferedOutput
	capacity int
	dropped  int
	logger   *logger.Logger
}

// NewPermissionGate creates a gate with the given output buffer capacity.
func NewPermissionGate(capacity int, log *logger.Logger) *PermissionGate {
	if log == nil {
		log = logger.Default()
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &PermissionGate{
		capacity: capacity,
		logger:   log,
	}
}

// Open records a new pending request. A session can only wait on one request
// at a time; a second request is rejected so the caller can deny it upstream.
func (g *PermissionGate) Open(req *v1.PermissionRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return apperrors.Conflict("a permission request is already pending for this session")
	}
	g.pending = req
	return nil
}

// Pending returns the currently pending request, or nil.
func (g *PermissionGate) Pending() *v1.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// IsGated reports whether a permission decision is outstanding.
func (g *PermissionGate) IsGated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Resolve clears the pending request if its ID matches and returns it.
func (g *PermissionGate) Resolve(requestID string) (*v1.PermissionRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return nil, apperrors.NotFound("permission request", requestID)
	}
	if g.pending.ID != requestID {
		return nil, apperrors.NotFound("permission request", requestID)
	}
	req := g.pending
	g.pending = nil
	return req, nil
}

// Intercept buffers an output line when the gate is closed. It returns true
// when the line was buffered and should not be delivered yet.
func (g *PermissionGate) Intercept(line, subAgent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return false
	}
	if len(g.buffer) >= g.capacity {
		g.buffer = g.buffer[1:]
		g.dropped++
		g.logger.Warn("permission gate output buffer full, dropping oldest line",
			zap.Int("capacity", g.capacity),
			zap.Int("dropped_total", g.dropped))
	}
	g.buffer = append(g.buffer, BufferedOutput{Content: line, SubAgent: subAgent})
	return true
}

// Flush drains and returns the buffered output in arrival order.
func (g *PermissionGate) Flush() []BufferedOutput {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := g.buffer
	g.buffer = nil
	return out
}

// Abandon clears any pending request, for session stop or backend exit.
// Buffered output stays queued so a final Flush can still deliver it.
func (g *PermissionGate) Abandon() *v1.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	req := g.pending
	g.pending = nil
	return req
}
