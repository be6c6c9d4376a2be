package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/streaming"
)

// SetupRouter builds the gin engine with all session routes.
func SetupRouter(mgr *session.Manager, streamer *streaming.Server, authToken string, log *logger.Logger) *gin.Engine {
	handler := NewHandler(mgr, streamer, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))

	router.GET("/health", handler.Health)

	apiGroup := router.Group("/api/v1", BearerAuth(authToken))
	{
		sessions := apiGroup.Group("/sessions")
		{
			sessions.POST("", handler.CreateSessions)
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.DELETE("/:sessionId", handler.DeleteSession)

			sessions.POST("/:sessionId/input", handler.SendInput)
			sessions.GET("/:sessionId/messages", handler.ListMessages)
			sessions.POST("/:sessionId/permission", handler.ResolvePermission)
			sessions.POST("/:sessionId/stop", handler.StopSession)

			sessions.POST("/:sessionId/git/rebase", handler.RebaseSession)
			sessions.POST("/:sessionId/git/merge", handler.MergeSession)
		}
	}

	ws := router.Group("/ws", BearerAuth(authToken))
	{
		ws.GET("/sessions/:sessionId", handler.SessionChannel)
	}

	return router
}
