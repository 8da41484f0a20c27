package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "pool.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

// Runs only against a real server: REDIS_URL=redis://localhost:6379/15
func TestCachedStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)

	runSuite(t, func(t *testing.T) store.Store {
		rdb := redis.NewClient(opt)
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	})
}

func runSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("increment", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("concurrent debits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("trade lock", func(t *testing.T) { testTradeLock(t, newStore(t)) })
	t.Run("wallet pnl", func(t *testing.T) { testWalletPnL(t, newStore(t)) })
	t.Run("trade log", func(t *testing.T) { testTradeLog(t, newStore(t)) })
	t.Run("simulations", func(t *testing.T) { testSimulations(t, newStore(t)) })
}

func testUsers(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U2", Balance: d(400)}))
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U1", Balance: d(600)}))
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U3", Balance: decimal.Zero}))

	err := st.CreateUser(ctx, &model.User{ID: "U1", Balance: d(1)})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = st.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	users, err := st.EligibleBalances(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "U1", users[0].ID)
	assert.Equal(t, "U2", users[1].ID)
	assert.True(t, users[0].Balance.Equal(d(600)))
}

func testIncrement(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U1", Balance: d(100)}))

	require.NoError(t, st.IncrementBalance(ctx, "U1", d(-60.25), d(60.25)))
	u, err := st.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(39.75)), "balance %s", u.Balance)
	assert.True(t, u.Invested.Equal(d(60.25)), "invested %s", u.Invested)

	err = st.IncrementBalance(ctx, "U1", d(-40), d(40))
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	u, err = st.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(39.75)), "rejected increment must not mutate")

	err = st.IncrementBalance(ctx, "nobody", d(1), decimal.Zero)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Draining the balance removes the user from the eligible set.
	require.NoError(t, st.IncrementBalance(ctx, "U1", d(-39.75), d(39.75)))
	users, err := st.EligibleBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func testConcurrentDebits(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U1", Balance: d(100)}))

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.IncrementBalance(ctx, "U1", d(-10), d(10))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), insufficient.Load())
	u, err := st.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, u.Balance.IsZero())
	assert.True(t, u.Invested.Equal(d(100)))
}

func testTransactions(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "U1", Balance: d(100)}))

	for i, tx := range []model.Transaction{
		{ID: "t1", Type: model.TxTypeDeposit, Amount: d(100)},
		{ID: "t2", Type: model.TxTypePnL, Amount: d(66), TradeID: "trade-1", Note: "PnL 6.00000000 for trade trade-1"},
		{ID: "t3", Type: model.TxTypePnL, Amount: d(59)},
	} {
		tx.UserID = "U1"
		tx.Status = model.TxStatusCompleted
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.AppendTransaction(ctx, &tx))
	}

	all, err := st.ListTransactions(ctx, "U1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID)

	pnl, err := st.ListTransactions(ctx, "U1", model.TxTypePnL, 1)
	require.NoError(t, err)
	require.Len(t, pnl, 1)
	assert.Equal(t, "t3", pnl[0].ID)

	// A new append must be visible to a repeated query.
	require.NoError(t, st.AppendTransaction(ctx, &model.Transaction{
		ID: "t4", UserID: "U1", Type: model.TxTypePnL, Amount: d(1), CreatedAt: base.Add(time.Hour),
	}))
	pnl, err = st.ListTransactions(ctx, "U1", model.TxTypePnL, 1)
	require.NoError(t, err)
	require.Len(t, pnl, 1)
	assert.Equal(t, "t4", pnl[0].ID)

	full, err := st.ListTransactions(ctx, "U1", model.TxTypePnL, 0)
	require.NoError(t, err)
	require.Len(t, full, 3)
	assert.Equal(t, "trade-1", full[2].TradeID)
	assert.True(t, full[2].Amount.Equal(d(66)))

	err = st.AppendTransaction(ctx, &model.Transaction{ID: "t5", UserID: "ghost", Type: model.TxTypePnL})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTradeLock(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateWallet(ctx, &model.Wallet{ID: "W1"}))
	ttl := 15 * time.Minute

	ok, err := st.AcquireTradeLock(ctx, "W1", "a", base, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireTradeLock(ctx, "W1", "b", base.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken")

	w, err := st.GetWallet(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, w.IsTrading)
	assert.Equal(t, "a", w.LockOwner)
	require.NotNil(t, w.LockedAt)
	assert.True(t, w.LockedAt.Equal(base))

	ok, err = st.AcquireTradeLock(ctx, "W1", "b", base.Add(ttl), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, st.ReleaseTradeLock(ctx, "W1"))
	require.NoError(t, st.ReleaseTradeLock(ctx, "W1"))
	w, err = st.GetWallet(ctx, "W1")
	require.NoError(t, err)
	assert.False(t, w.IsTrading)
	assert.Nil(t, w.LockedAt)

	ok, err = st.AcquireTradeLock(ctx, "W1", "c", base.Add(2*ttl), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.AcquireTradeLock(ctx, "missing", "a", base, ttl)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = st.CreateWallet(ctx, &model.Wallet{ID: "W1"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testWalletPnL(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateWallet(ctx, &model.Wallet{ID: "W1", TotalBalance: d(1000)}))

	require.NoError(t, st.AddWalletPnL(ctx, "W1", d(10)))
	require.NoError(t, st.AddWalletPnL(ctx, "W1", d(-2.5)))

	w, err := st.GetWallet(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, w.TotalBalance.Equal(d(1007.5)), "total %s", w.TotalBalance)
	assert.True(t, w.Profit.Equal(d(10)))
	assert.True(t, w.Loss.Equal(d(2.5)))

	assert.ErrorIs(t, st.AddWalletPnL(ctx, "missing", d(1)), store.ErrNotFound)
}

func newTrade(id, symbol string, createdAt time.Time) *model.TradeLog {
	return &model.TradeLog{
		ID:         id,
		WalletID:   "W1",
		Symbol:     symbol,
		Side:       model.SideBuy,
		EntryPrice: d(50000),
		AmountUSDT: d(100),
		PnL:        decimal.Zero,
		Status:     model.TradeOpen,
		ExposureSnapshot: []model.Contribution{
			{UserID: "U1", Share: d(60)},
			{UserID: "U2", Share: d(40)},
		},
		CreatedAt: createdAt,
	}
}

func testTradeLog(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertTradeLog(ctx, newTrade("T1", "BTCUSDT", base)))
	require.NoError(t, st.InsertTradeLog(ctx, newTrade("T2", "ETHUSDT", base.Add(time.Hour))))
	require.NoError(t, st.InsertTradeLog(ctx, newTrade("T3", "SOLUSDT", base.Add(2*time.Hour))))
	assert.ErrorIs(t, st.InsertTradeLog(ctx, newTrade("T1", "BTCUSDT", base)), store.ErrAlreadyExists)

	got, err := st.GetTradeLog(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TradeOpen, got.Status)
	assert.False(t, got.ExitPrice.Valid)
	assert.Nil(t, got.ClosedAt)
	require.Len(t, got.ExposureSnapshot, 2)
	assert.True(t, got.ExposureSnapshot[0].Share.Equal(d(60)))

	closed := model.TradeResolution{
		Status:    model.TradeClosed,
		ExitPrice: decimal.NewNullDecimal(d(55000)),
		PnL:       d(10),
		ClosedAt:  base.Add(time.Minute),
	}
	require.NoError(t, st.ResolveTradeLog(ctx, "T1", closed))
	assert.ErrorIs(t, st.ResolveTradeLog(ctx, "T1", closed), store.ErrTradeNotOpen)
	assert.ErrorIs(t, st.ResolveTradeLog(ctx, "missing", closed), store.ErrNotFound)

	failed := model.TradeResolution{Status: model.TradeFailed, PnL: decimal.Zero, Notes: "buy failed: rejected", ClosedAt: base.Add(time.Hour)}
	require.NoError(t, st.ResolveTradeLog(ctx, "T2", failed))

	got, err = st.GetTradeLog(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TradeClosed, got.Status)
	assert.True(t, got.ExitPrice.Decimal.Equal(d(55000)))
	assert.True(t, got.PnL.Equal(d(10)))
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(base.Add(time.Minute)))
	assert.Len(t, got.ExposureSnapshot, 2, "snapshot is immutable across resolution")

	all, err := st.ListTradeLogs(ctx, store.TradeLogFilter{WalletID: "W1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"T3", "T2", "T1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	open, err := st.ListTradeLogs(ctx, store.TradeLogFilter{Status: model.TradeOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "T3", open[0].ID)

	recent, err := st.ListTradeLogs(ctx, store.TradeLogFilter{Since: base.Add(30 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "T3", recent[0].ID)

	other, err := st.ListTradeLogs(ctx, store.TradeLogFilter{WalletID: "W2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testSimulations(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSimulation(ctx, &model.Simulation{
		ID: "S1", UserID: "U1", Asset: "USDT", StartBalance: d(100), CurrentBalance: d(100), Active: true, CreatedAt: base,
	}))
	require.NoError(t, st.CreateSimulation(ctx, &model.Simulation{
		ID: "S2", UserID: "U2", Asset: "USDT", StartBalance: d(50), CurrentBalance: d(50), Active: false, CreatedAt: base,
	}))

	step := model.GrowthStep{Date: base.Add(24 * time.Hour), Percent: d(7.25), Change: d(7.25)}
	require.NoError(t, st.RecordGrowth(ctx, "S1", d(107.25), step))
	assert.ErrorIs(t, st.RecordGrowth(ctx, "missing", d(1), step), store.ErrNotFound)

	sims, err := st.ListActiveSimulations(ctx)
	require.NoError(t, err)
	require.Len(t, sims, 1)
	assert.Equal(t, "S1", sims[0].ID)
	assert.True(t, sims[0].CurrentBalance.Equal(d(107.25)))
	require.Len(t, sims[0].History, 1)
	assert.True(t, sims[0].History[0].Percent.Equal(d(7.25)))
}
