package pnl

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earnpool/pool-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCompute_Buy(t *testing.T) {
	pnl, err := Compute(d(100), d(100), d(110), model.SideBuy)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(10)), "got %s", pnl)
}

func TestCompute_BuyLoss(t *testing.T) {
	pnl, err := Compute(d(100), d(100), d(98), model.SideBuy)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(-2)), "got %s", pnl)
}

func TestCompute_SellNegates(t *testing.T) {
	pnl, err := Compute(d(100), d(100), d(110), model.SideSell)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(-10)), "got %s", pnl)
}

func TestCompute_RoundsToScale(t *testing.T) {
	// (1 - 3) / 3 * 1 = -0.666...
	pnl, err := Compute(d(1), d(3), d(1), model.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "-0.66666667", pnl.String())
}

func TestCompute_InvalidEntry(t *testing.T) {
	for _, entry := range []float64{0, -1} {
		_, err := Compute(d(100), d(entry), d(110), model.SideBuy)
		assert.ErrorIs(t, err, ErrInvalidEntryPrice)
	}
}

func TestCompute_InvalidSide(t *testing.T) {
	_, err := Compute(d(100), d(100), d(110), model.Side("HOLD"))
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestSplit_Proportional(t *testing.T) {
	snapshot := []model.Contribution{{UserID: "U1", Share: d(60)}, {UserID: "U2", Share: d(40)}}

	res := Split(snapshot, d(10))
	require.Len(t, res.Allocations, 2)
	assert.True(t, res.Allocations[0].PnL.Equal(d(6)))
	assert.True(t, res.Allocations[1].PnL.Equal(d(4)))
	assert.True(t, res.Allocations[0].Credit().Equal(d(66)))
	assert.True(t, res.Allocations[1].Credit().Equal(d(44)))
	assert.True(t, res.Residue.IsZero())
}

func TestSplit_EmptySnapshot(t *testing.T) {
	res := Split(nil, d(10))
	assert.Empty(t, res.Allocations)
	assert.True(t, res.Total.IsZero())

	res = Split([]model.Contribution{{UserID: "A", Share: decimal.Zero}}, d(10))
	assert.Empty(t, res.Allocations)
}

func TestSplit_ResidueGoesToLargestRemainder(t *testing.T) {
	snapshot := []model.Contribution{
		{UserID: "A", Share: d(1)},
		{UserID: "B", Share: d(1)},
		{UserID: "C", Share: d(1)},
	}

	// 0.00000001 / 3 floors to 0 for everyone; the one unit goes to the
	// first of the equal remainders.
	res := Split(snapshot, d(0.00000001))
	assert.Equal(t, "0.00000001", res.Allocations[0].PnL.String())
	assert.True(t, res.Allocations[1].PnL.IsZero())
	assert.True(t, res.Allocations[2].PnL.IsZero())
	assert.Equal(t, int64(1), res.ResidueUnits())
}

func TestSplit_NegativeConserves(t *testing.T) {
	snapshot := []model.Contribution{
		{UserID: "A", Share: d(33.33)},
		{UserID: "B", Share: d(33.33)},
		{UserID: "C", Share: d(33.34)},
	}

	res := Split(snapshot, d(-2))
	sum := decimal.Zero
	for _, a := range res.Allocations {
		assert.True(t, a.PnL.IsNegative())
		sum = sum.Add(a.PnL)
	}
	assert.True(t, sum.Equal(d(-2)), "got %s", sum)
}

func TestSplit_ForfeitZeroesCredit(t *testing.T) {
	snapshot := []model.Contribution{{UserID: "U1", Share: d(60)}, {UserID: "U2", Share: d(40)}}

	res := Split(snapshot, PolicyForfeit.PnL(d(100)))
	for _, a := range res.Allocations {
		assert.True(t, a.Credit().IsZero(), "%s credit %s", a.UserID, a.Credit())
	}
}

func TestSplit_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		n := 1 + rng.Intn(25)
		snapshot := make([]model.Contribution, n)
		total := decimal.Zero
		for i := range snapshot {
			share := decimal.New(1+rng.Int63n(1000000), -2)
			snapshot[i] = model.Contribution{UserID: string(rune('a' + i)), Share: share}
			total = total.Add(share)
		}
		pnl := decimal.New(rng.Int63n(2000000000)-1000000000, -9)

		res := Split(snapshot, pnl)
		credited := decimal.Zero
		for _, a := range res.Allocations {
			credited = credited.Add(a.Credit())
		}

		want := total.Add(pnl.Round(Scale))
		require.True(t, credited.Equal(want), "run %d: credited %s, want %s", run, credited, want)
		assert.True(t, res.ResidueUnits() >= 0)
		assert.True(t, res.ResidueUnits() <= int64(n), "run %d: residue %d units", run, res.ResidueUnits())
	}
}

func TestSplit_ProportionalFairness(t *testing.T) {
	snapshot := []model.Contribution{{UserID: "A", Share: d(20)}, {UserID: "B", Share: d(10)}}
	tolerance := decimal.New(2, -Scale)

	for _, total := range []float64{3, -3, 7.12345678, 0.1, -99.99999999} {
		res := Split(snapshot, d(total))
		a, b := res.Allocations[0].PnL, res.Allocations[1].PnL
		assert.True(t, a.Sub(b.Mul(d(2))).Abs().LessThanOrEqual(tolerance),
			"total %v: A=%s B=%s", total, a, b)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRefund, p)

	p, err = ParseFailurePolicy("FORFEIT")
	require.NoError(t, err)
	assert.Equal(t, PolicyForfeit, p)

	_, err = ParseFailurePolicy("shrug")
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}

func TestFailurePolicy_PnL(t *testing.T) {
	assert.True(t, PolicyRefund.PnL(d(100)).IsZero())
	assert.True(t, PolicyForfeit.PnL(d(100)).Equal(d(-100)))
}
