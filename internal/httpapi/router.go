package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/middleware"
)

// NewRouter mounts the REST surface and, when ws is non-nil, the
// WebSocket gateway at /ws.
func NewRouter(cfg config.Config, h *handlers.Handler, ws http.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// the gateway authenticates on connect itself
	if ws != nil {
		r.GET("/ws", gin.WrapH(ws))
	}

	// users (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret), middleware.RequireRole(auth.RoleUser))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/wallet", h.GetWallet)
	authGroup.POST("/chat/sessions", h.StartChatSession)
	authGroup.GET("/chat/sessions/:session_id", h.GetChatSession)
	authGroup.POST("/chat/sessions/:session_id/messages", h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/sessions/:session_id/end", h.EndChatSession)
	authGroup.POST("/chat/sessions/:session_id/typing", h.SetTyping)
	authGroup.GET("/chat/sessions/:session_id/typing", h.GetTyping)

	// agents
	agentGroup := r.Group("/agent")
	agentGroup.Use(middleware.AuthRequired(cfg.JWTSecret), middleware.RequireRole(auth.RoleAgent))
	agentGroup.POST("/chat/sessions/:session_id/messages", h.AgentSendMessage)
	agentGroup.POST("/chat/sessions/:session_id/end", h.AgentEndSession)
	agentGroup.POST("/chat/sessions/:session_id/release", h.AgentRelease)
	agentGroup.POST("/chat/sessions/:session_id/typing", h.AgentSetTyping)

	// payment collaborator
	internal := r.Group("/internal")
	internal.Use(middleware.InternalToken(cfg.InternalToken))
	internal.POST("/wallet/credit", h.CreditWallet)

	return r
}
