package trade

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ExitPolicy decides the price a simulated position is closed at.
type ExitPolicy interface {
	ExitPrice(symbol string, entry decimal.Decimal) decimal.Decimal
}

// RandomExit is the placeholder take-profit / stop-loss outcome: with
// probability WinProbability the position exits at entry × (1 + TakeProfit),
// otherwise at entry × (1 − StopLoss).
type RandomExit struct {
	TakeProfit     decimal.Decimal
	StopLoss       decimal.Decimal
	WinProbability float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomExit creates the policy. A nil rng is seeded from the clock.
func NewRandomExit(takeProfit, stopLoss decimal.Decimal, winProbability float64, rng *rand.Rand) *RandomExit {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomExit{
		TakeProfit:     takeProfit,
		StopLoss:       stopLoss,
		WinProbability: winProbability,
		rng:            rng,
	}
}

// ExitPrice draws a win or a loss and applies it to entry.
func (e *RandomExit) ExitPrice(_ string, entry decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	win := e.rng.Float64() < e.WinProbability
	e.mu.Unlock()

	one := decimal.NewFromInt(1)
	if win {
		return entry.Mul(one.Add(e.TakeProfit))
	}
	return entry.Mul(one.Sub(e.StopLoss))
}
