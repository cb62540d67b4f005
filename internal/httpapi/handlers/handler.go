package handlers

import (
	"context"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
	"gorm.io/gorm"
)

// TypingReader answers "who is typing" for polling clients.
type TypingReader interface {
	GetTyping(ctx context.Context, sessionID string) (map[string]bool, error)
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Typing  TypingReader
	ChatSvc *chat.Service
	Wallet  *wallet.Ledger
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, ledger *wallet.Ledger, typing TypingReader) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Typing:  typing,
		ChatSvc: svc,
		Wallet:  ledger,
	}
}
