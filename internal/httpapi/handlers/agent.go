package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

// Agent endpoints act on sessions the agent is bound to over the
// WebSocket; without a live binding they answer 403.

type agentSendReq struct {
	Content   string `json:"content" binding:"required"`
	Type      string `json:"type"`
	AsSupport bool   `json:"as_support"`
}

func (h *Handler) agentAuthor(c *gin.Context, agentID uint64, asSupport bool) (chat.Author, bool) {
	if asSupport {
		return chat.SupportAuthor(agentID), true
	}
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failChat(c, err)
		return chat.Author{}, false
	}
	return chat.PersonaAuthor(sess.PersonaID, agentID), true
}

func (h *Handler) AgentSendMessage(c *gin.Context) {
	agentID, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req agentSendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	author, ok := h.agentAuthor(c, agentID, req.AsSupport)
	if !ok {
		return
	}

	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), chat.SendInput{
		SessionID:      c.Param("session_id"),
		Author:         author,
		Content:        req.Content,
		Type:           chat.MessageType(req.Type),
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, msg)
}

func (h *Handler) AgentEndSession(c *gin.Context) {
	agentID, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	if err := h.ChatSvc.EndAsAgent(c.Request.Context(), sessionID, agentID); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "status": chat.StatusEnded})
}

func (h *Handler) AgentRelease(c *gin.Context) {
	agentID, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	if err := h.ChatSvc.ReleaseAgent(c.Request.Context(), sessionID, agentID); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "billing_paused": true})
}

type agentTypingReq struct {
	IsTyping  bool `json:"is_typing"`
	AsSupport bool `json:"as_support"`
}

func (h *Handler) AgentSetTyping(c *gin.Context) {
	agentID, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req agentTypingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	author, ok := h.agentAuthor(c, agentID, req.AsSupport)
	if !ok {
		return
	}
	if err := h.ChatSvc.SetTyping(c.Request.Context(), c.Param("session_id"), author, req.IsTyping); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"is_typing": req.IsTyping})
}
