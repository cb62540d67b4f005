package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

type startSessionReq struct {
	PersonaID uint64 `json:"persona_id" binding:"required"`
}

func (h *Handler) StartChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req startSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, created, err := h.ChatSvc.Start(c.Request.Context(), uid, req.PersonaID)
	if err != nil {
		failChat(c, err)
		return
	}

	common.OK(c, gin.H{
		"session_id": sess.SessionID,
		"created":    created,
		"session":    sess,
	})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, err := h.ChatSvc.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failChat(c, err)
		return
	}
	if sess.UserID != uid {
		failChat(c, chat.ErrNotFound)
		return
	}
	common.OK(c, sess)
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
	Type    string `json:"type"`
}

func idempotencyKey(c *gin.Context) *string {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		return nil
	}
	if len(key) > 128 {
		key = key[:128]
	}
	return &key
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), chat.SendInput{
		SessionID:      c.Param("session_id"),
		Author:         chat.UserAuthor(uid),
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

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.History(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		failChat(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) EndChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	if err := h.ChatSvc.EndAsUser(c.Request.Context(), sessionID, uid); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "status": chat.StatusEnded})
}

type typingReq struct {
	IsTyping bool `json:"is_typing"`
}

func (h *Handler) SetTyping(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req typingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.ChatSvc.SetTyping(c.Request.Context(), c.Param("session_id"), chat.UserAuthor(uid), req.IsTyping); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"is_typing": req.IsTyping})
}

func (h *Handler) GetTyping(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		failChat(c, err)
		return
	}
	if sess.UserID != uid {
		failChat(c, chat.ErrNotFound)
		return
	}

	typing := map[string]bool{}
	if h.Typing != nil {
		typing, err = h.Typing.GetTyping(c.Request.Context(), sessionID)
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
			return
		}
	}
	// users only learn that the other side is typing, not who it is
	common.OK(c, gin.H{
		"session_id":     sessionID,
		"persona_typing": typing["persona"] || typing["support"],
		"user_typing":    typing["user"],
	})
}
