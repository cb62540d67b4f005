package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failChat maps state machine errors onto the response envelope.
func failChat(c *gin.Context, err error) {
	var conflict *chat.AgentConflictError
	switch {
	case errors.As(err, &conflict):
		common.FailWith(c, http.StatusConflict, 40902, "another agent is serving this conversation",
			gin.H{"conflict_session_id": conflict.SessionID})
	case errors.Is(err, chat.ErrInsufficientBalance):
		common.Fail(c, http.StatusPaymentRequired, 40201, "no minutes remaining")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "not found")
	case errors.Is(err, chat.ErrUnauthorized):
		common.Fail(c, http.StatusForbidden, 40301, "not allowed in this session")
	case errors.Is(err, chat.ErrSessionEnded):
		common.Fail(c, http.StatusConflict, 40901, "session has ended")
	case errors.Is(err, chat.ErrInvalidMessage):
		common.Fail(c, http.StatusBadRequest, 40001, "invalid message")
	case errors.Is(err, wallet.ErrInvalidAmount):
		common.Fail(c, http.StatusBadRequest, 10003, "minutes must be positive")
	default:
		slog.Error("request failed", "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
