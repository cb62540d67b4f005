package wallet

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger is the only writer of wallet balances. Debits are conditional
// updates evaluated by the database, never read-modify-write in memory.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Get returns the wallet, or a zero-balance wallet if the user never had one.
func (l *Ledger) Get(ctx context.Context, userID uint64) (*Wallet, error) {
	var w Wallet
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (l *Ledger) Balance(ctx context.Context, userID uint64) (int, error) {
	w, err := l.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.ChatMinutesBalance, nil
}

// Debit takes minutes off the balance and adds them to the usage counter in
// one statement. A debit larger than the balance fails with
// ErrInsufficientBalance and changes nothing.
func (l *Ledger) Debit(ctx context.Context, userID uint64, minutes int, ref string) (int, error) {
	if minutes <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Wallet{}).
			Where("user_id = ? AND chat_minutes_balance >= ?", userID, minutes).
			Updates(map[string]any{
				"chat_minutes_balance": gorm.Expr("chat_minutes_balance - ?", minutes),
				"chat_minutes_used":    gorm.Expr("chat_minutes_used + ?", minutes),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var w Wallet
		if err := tx.Where("user_id = ?", userID).First(&w).Error; err != nil {
			return err
		}
		balance = w.ChatMinutesBalance

		return tx.Create(&Transaction{
			UserID:       userID,
			Kind:         TxDebit,
			Minutes:      minutes,
			BalanceAfter: balance,
			Reference:    ref,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return 0, err
		}
		return 0, fmt.Errorf("debit wallet: %w", err)
	}
	return balance, nil
}

// Credit adds purchased minutes, creating the wallet on first purchase.
func (l *Ledger) Credit(ctx context.Context, userID uint64, minutes int, ref string) (int, error) {
	return l.add(ctx, userID, minutes, TxCredit, ref)
}

// Refund returns minutes taken by a debit whose follow-up bookkeeping failed.
// The usage counter is rolled back together with the balance.
func (l *Ledger) Refund(ctx context.Context, userID uint64, minutes int, ref string) (int, error) {
	return l.add(ctx, userID, minutes, TxRefund, ref)
}

func (l *Ledger) add(ctx context.Context, userID uint64, minutes int, kind TxKind, ref string) (int, error) {
	if minutes <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assign := map[string]any{
			"chat_minutes_balance": gorm.Expr("chat_minutes_balance + ?", minutes),
		}
		w := Wallet{UserID: userID, ChatMinutesBalance: minutes}
		switch kind {
		case TxCredit:
			assign["chat_minutes_credited"] = gorm.Expr("chat_minutes_credited + ?", minutes)
			w.ChatMinutesCredited = minutes
		case TxRefund:
			assign["chat_minutes_used"] = gorm.Expr("CASE WHEN chat_minutes_used >= ? THEN chat_minutes_used - ? ELSE 0 END", minutes, minutes)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(assign),
		}).Create(&w).Error; err != nil {
			return err
		}

		var cur Wallet
		if err := tx.Where("user_id = ?", userID).First(&cur).Error; err != nil {
			return err
		}
		balance = cur.ChatMinutesBalance

		return tx.Create(&Transaction{
			UserID:       userID,
			Kind:         kind,
			Minutes:      minutes,
			BalanceAfter: balance,
			Reference:    ref,
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%s wallet: %w", kind, err)
	}
	return balance, nil
}

// History returns the most recent audit rows, newest first.
func (l *Ledger) History(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var txs []Transaction
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}
