package db

import (
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/models"
	"github.com/suPer8Hu/persona-chat/internal/notify"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
	"gorm.io/gorm"
)

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Persona{},
		&models.Agent{},
		&wallet.Wallet{},
		&wallet.Transaction{},
		&chat.Session{},
		&chat.Message{},
		&chat.BillingTracker{},
		&notify.Job{},
	)
}
