package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/models"
	"gorm.io/gorm"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	balance, err := h.Wallet.Balance(c.Request.Context(), uid)
	if err != nil {
		failChat(c, err)
		return
	}

	common.OK(c, gin.H{
		"id":           user.ID,
		"email":        user.Email,
		"username":     user.Username,
		"chat_minutes": balance,
		"created_at":   user.CreatedAt,
	})
}

func (h *Handler) GetWallet(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	w, err := h.Wallet.Get(c.Request.Context(), uid)
	if err != nil {
		failChat(c, err)
		return
	}
	txs, err := h.Wallet.History(c.Request.Context(), uid, 20)
	if err != nil {
		failChat(c, err)
		return
	}

	common.OK(c, gin.H{
		"balance":          w.ChatMinutesBalance,
		"minutes_used":     w.ChatMinutesUsed,
		"minutes_credited": w.ChatMinutesCredited,
		"transactions":     txs,
	})
}

type creditReq struct {
	UserID    uint64 `json:"user_id" binding:"required"`
	Minutes   int    `json:"minutes" binding:"required"`
	Reference string `json:"reference"`
}

// CreditWallet is called by the payment side once a purchase settles.
func (h *Handler) CreditWallet(c *gin.Context) {
	var req creditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	balance, err := h.ChatSvc.Credit(c.Request.Context(), req.UserID, req.Minutes, req.Reference)
	if err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"user_id": req.UserID, "balance": balance})
}
