package wallet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Wallet{}, &Transaction{}))
	return db
}

func TestCredit_CreatesWallet(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t))

	bal, err := l.Credit(ctx, 7, 5, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 5, bal)

	bal, err = l.Credit(ctx, 7, 3, "order-2")
	require.NoError(t, err)
	assert.Equal(t, 8, bal)

	w, err := l.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 8, w.ChatMinutesCredited)

	txs, err := l.History(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "order-2", txs[0].Reference)
	assert.Equal(t, 8, txs[0].BalanceAfter)
}

func TestBalance_MissingWalletIsZero(t *testing.T) {
	l := NewLedger(openTestDB(t))

	bal, err := l.Balance(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, 0, bal)
}

func TestDebit_DecrementsAndCountsUsage(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t))
	_, err := l.Credit(ctx, 1, 2, "")
	require.NoError(t, err)

	bal, err := l.Debit(ctx, 1, 1, "session-a")
	require.NoError(t, err)
	assert.Equal(t, 1, bal)

	w, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.ChatMinutesBalance)
	assert.Equal(t, 1, w.ChatMinutesUsed)
}

func TestDebit_FloorAtZero(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t))
	_, err := l.Credit(ctx, 1, 1, "")
	require.NoError(t, err)

	_, err = l.Debit(ctx, 1, 1, "")
	require.NoError(t, err)

	_, err = l.Debit(ctx, 1, 1, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	w, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ChatMinutesBalance)
	assert.Equal(t, 1, w.ChatMinutesUsed, "failed debit must not count usage")

	_, err = l.Debit(ctx, 2, 1, "")
	require.ErrorIs(t, err, ErrInsufficientBalance, "no wallet means no minutes")
}

func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t))
	_, err := l.Credit(ctx, 1, 5, "")
	require.NoError(t, err)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, 1, 1, "")
			switch {
			case err == nil:
				ok.Add(1)
			case err == ErrInsufficientBalance:
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(15), insufficient.Load())

	w, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ChatMinutesBalance)
	assert.Equal(t, 5, w.ChatMinutesUsed)
}

func TestRefund_RollsBackUsage(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t))
	_, err := l.Credit(ctx, 1, 3, "")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 1, 1, "")
	require.NoError(t, err)

	bal, err := l.Refund(ctx, 1, 1, "compensate")
	require.NoError(t, err)
	assert.Equal(t, 3, bal)

	w, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ChatMinutesUsed)
}

func TestInvalidAmount(t *testing.T) {
	l := NewLedger(openTestDB(t))
	_, err := l.Debit(context.Background(), 1, 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Credit(context.Background(), 1, -2, "")
	require.ErrorIs(t, err, ErrInvalidAmount)
}
