package wallet

import "time"

// Wallet holds a user's prepaid chat minutes. ChatMinutesBalance never goes
// below zero; every debit also bumps ChatMinutesUsed.
type Wallet struct {
	ID                  uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID              uint64    `gorm:"uniqueIndex;not null" json:"user_id"`
	ChatMinutesBalance  int       `gorm:"not null;default:0" json:"chat_minutes_balance"`
	ChatMinutesUsed     int       `gorm:"not null;default:0" json:"chat_minutes_used"`
	ChatMinutesCredited int       `gorm:"not null;default:0" json:"chat_minutes_credited"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type TxKind string

const (
	TxCredit TxKind = "credit"
	TxDebit  TxKind = "debit"
	TxRefund TxKind = "refund"
)

// Transaction is the audit trail row written with every balance change.
type Transaction struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64    `gorm:"index;not null" json:"user_id"`
	Kind         TxKind    `gorm:"type:varchar(16);not null" json:"kind"`
	Minutes      int       `gorm:"not null" json:"minutes"`
	BalanceAfter int       `gorm:"not null" json:"balance_after"`
	Reference    string    `gorm:"type:varchar(128)" json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "wallet_transactions" }
