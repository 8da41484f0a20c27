package exposure_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earnpool/pool-engine/internal/exposure"
	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, st *store.MemoryStore, balances map[string]float64) {
	t.Helper()
	for id, bal := range balances {
		require.NoError(t, st.CreateUser(context.Background(), &model.User{ID: id, Balance: d(bal)}))
	}
}

func requireUser(t *testing.T, st store.Store, id string, balance, invested float64) {
	t.Helper()
	u, err := st.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(balance)), "%s balance: want %v, got %s", id, balance, u.Balance)
	assert.True(t, u.Invested.Equal(d(invested)), "%s invested: want %v, got %s", id, invested, u.Invested)
}

func TestBuild_Proportional(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"U1": 600, "U2": 400})

	exp, err := exposure.NewBuilder(st, nil).Build(context.Background(), d(100))
	require.NoError(t, err)

	require.Len(t, exp.Snapshot, 2)
	assert.Equal(t, "U1", exp.Snapshot[0].UserID)
	assert.True(t, exp.Snapshot[0].Share.Equal(d(60)))
	assert.Equal(t, "U2", exp.Snapshot[1].UserID)
	assert.True(t, exp.Snapshot[1].Share.Equal(d(40)))
	assert.True(t, exp.TotalCollected.Equal(d(100)))

	requireUser(t, st, "U1", 540, 60)
	requireUser(t, st, "U2", 360, 40)
}

func TestBuild_NoEligibleUsers(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"U1": 0})

	exp, err := exposure.NewBuilder(st, nil).Build(context.Background(), d(100))
	require.NoError(t, err)
	assert.True(t, exp.Empty())
	assert.Empty(t, exp.Snapshot)
	assert.True(t, exp.TotalCollected.IsZero())

	requireUser(t, st, "U1", 0, 0)
}

func TestBuild_RequestAboveTotal(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"A": 30, "B": 20})

	exp, err := exposure.NewBuilder(st, nil).Build(context.Background(), d(100))
	require.NoError(t, err)

	assert.True(t, exp.TotalCollected.Equal(d(50)), "got %s", exp.TotalCollected)
	requireUser(t, st, "A", 0, 30)
	requireUser(t, st, "B", 0, 20)
}

func TestBuild_FloorsToCents(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"A": 1, "B": 1, "C": 1})

	exp, err := exposure.NewBuilder(st, nil).Build(context.Background(), d(1))
	require.NoError(t, err)

	// 1/3 floors to 0.33 each; the cent is left uncollected.
	require.Len(t, exp.Snapshot, 3)
	for _, c := range exp.Snapshot {
		assert.True(t, c.Share.Equal(d(0.33)), "%s share %s", c.UserID, c.Share)
	}
	assert.True(t, exp.TotalCollected.Equal(d(0.99)))
}

func TestBuild_TinyBalanceSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"whale": 1000000, "dust": 0.01})

	exp, err := exposure.NewBuilder(st, nil).Build(context.Background(), d(10))
	require.NoError(t, err)

	require.Len(t, exp.Snapshot, 1)
	assert.Equal(t, "whale", exp.Snapshot[0].UserID)
	requireUser(t, st, "dust", 0.01, 0)
}

func TestBuild_InvalidAmount(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"A": 10})

	_, err := exposure.NewBuilder(st, nil).Build(context.Background(), decimal.Zero)
	assert.ErrorIs(t, err, exposure.ErrInvalidAmount)
	requireUser(t, st, "A", 10, 0)
}

// racingLedger reports stale balances so a debit can be rejected.
type racingLedger struct {
	*store.MemoryStore
	stale []model.User
}

func (l *racingLedger) EligibleBalances(context.Context) ([]model.User, error) {
	return l.stale, nil
}

func TestBuild_SkipsContributorWithMovedBalance(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"A": 50, "B": 1})
	ledger := &racingLedger{
		MemoryStore: st,
		stale:       []model.User{{ID: "A", Balance: d(50)}, {ID: "B", Balance: d(50)}},
	}

	exp, err := exposure.NewBuilder(ledger, nil).Build(context.Background(), d(20))
	require.NoError(t, err)

	require.Len(t, exp.Snapshot, 1)
	assert.Equal(t, "A", exp.Snapshot[0].UserID)
	assert.True(t, exp.TotalCollected.Equal(d(10)))
	requireUser(t, st, "B", 1, 0)
}

// failingLedger fails the debit for one user.
type failingLedger struct {
	*store.MemoryStore
	failFor string
}

var errLedgerDown = errors.New("ledger down")

func (l *failingLedger) IncrementBalance(ctx context.Context, userID string, db, di decimal.Decimal) error {
	if userID == l.failFor {
		return errLedgerDown
	}
	return l.MemoryStore.IncrementBalance(ctx, userID, db, di)
}

func TestBuild_LedgerErrorReturnsPartial(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, map[string]float64{"A": 600, "B": 400})

	exp, err := exposure.NewBuilder(&failingLedger{MemoryStore: st, failFor: "B"}, nil).Build(context.Background(), d(100))
	require.ErrorIs(t, err, errLedgerDown)

	require.Len(t, exp.Snapshot, 1)
	assert.True(t, exp.TotalCollected.Equal(d(60)))
	requireUser(t, st, "A", 540, 60)
}

func TestBuild_NeverDrivesBalanceNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		st := store.NewMemoryStore()
		n := 1 + rng.Intn(8)
		before := make(map[string]decimal.Decimal, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("u%02d", i)
			bal := decimal.New(rng.Int63n(100000), -2)
			before[id] = bal
			require.NoError(t, st.CreateUser(ctx, &model.User{ID: id, Balance: bal}))
		}

		b := exposure.NewBuilder(st, nil)
		for draw := 0; draw < 5; draw++ {
			requested := decimal.New(1+rng.Int63n(50000), -2)
			exp, err := b.Build(ctx, requested)
			require.NoError(t, err)

			sum := decimal.Zero
			for _, c := range exp.Snapshot {
				assert.True(t, c.Share.IsPositive())
				sum = sum.Add(c.Share)
			}
			assert.True(t, sum.Equal(exp.TotalCollected))
			assert.True(t, exp.TotalCollected.LessThanOrEqual(requested))
		}

		for id, start := range before {
			u, err := st.GetUser(ctx, id)
			require.NoError(t, err)
			assert.False(t, u.Balance.IsNegative(), "run %d: %s balance %s", run, id, u.Balance)
			assert.True(t, u.Balance.Add(u.Invested).Equal(start), "run %d: %s funds not conserved", run, id)
		}
	}
}

func TestTotalBalance(t *testing.T) {
	users := []model.User{{Balance: d(10)}, {Balance: d(0)}, {Balance: d(-5)}, {Balance: d(2.5)}}
	assert.True(t, exposure.TotalBalance(users).Equal(d(12.5)))
}
