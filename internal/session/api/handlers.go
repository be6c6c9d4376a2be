package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/streaming"
)

// Handler contains HTTP handlers for the session API
type Handler struct {
	manager  *session.Manager
	streamer *streaming.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr *session.Manager, streamer *streaming.Server, log *logger.Logger) *Handler {
	return &Handler{
		manager:  mgr,
		streamer: streamer,
		logger:   log,
	}
}

// respondError writes an error response, preserving AppError codes.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("internal server error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateSessions creates one or more sessions
// POST /api/v1/sessions
func (h *Handler) CreateSessions(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sessions, err := h.manager.Create(c.Request.Context(), session.CreateParams{
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		RepoPath:      req.RepoPath,
		ParentBranch:  req.ParentBranch,
		InitialPrompt: req.InitialPrompt,
		Count:         req.Count,
		Environment:   req.Environment,
	})
	if err != nil {
		h.logger.Error("failed to create sessions", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionsResponse{Sessions: sessions})
}

// ListSessions lists all sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.manager.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// SendInput delivers user input to a session
// POST /api/v1/sessions/:sessionId/input
func (h *Handler) SendInput(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.manager.Input(c.Request.Context(), c.Param("sessionId"), req.Content); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ListMessages returns a session's conversation log
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	messages, err := h.manager.Messages(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageListResponse{Messages: messages, Total: len(messages)})
}

// ResolvePermission applies a decision to a pending permission request
// POST /api/v1/sessions/:sessionId/permission
func (h *Handler) ResolvePermission(c *gin.Context) {
	var req ResolvePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	approved := req.Decision == "approve"
	err := h.manager.ResolvePermission(c.Request.Context(), c.Param("sessionId"), req.RequestID, approved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "approved": approved})
}

// StopSession terminates a session's environment
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	if err := h.manager.Stop(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// DeleteSession stops and deletes a session
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// RebaseSession rebases the session branch onto its parent
// POST /api/v1/sessions/:sessionId/git/rebase
func (h *Handler) RebaseSession(c *gin.Context) {
	result, err := h.manager.Rebase(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Conflict {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// MergeSession merges the session branch into its parent
// POST /api/v1/sessions/:sessionId/git/merge
func (h *Handler) MergeSession(c *gin.Context) {
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	result, err := h.manager.Merge(c.Request.Context(), c.Param("sessionId"), req.DeleteWorktree)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Conflict {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SessionChannel upgrades to the session's WebSocket channel
// GET /ws/sessions/:sessionId
func (h *Handler) SessionChannel(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.manager.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	if err := h.streamer.HandleConnection(sessionID, c.Writer, c.Request); err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
