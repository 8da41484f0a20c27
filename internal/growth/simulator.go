// Package growth runs the demo balance-growth simulator: every run each
// active simulation grows by a random percentage and the step is recorded
// in its history.
package growth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/model"
)

// BalanceScale is the precision simulated balances are rounded to.
const BalanceScale int32 = 8

// ErrInvalidRange is returned when max < min or min < 0.
var ErrInvalidRange = errors.New("growth: invalid percent range")

// Store is the slice of the store the simulator needs.
type Store interface {
	ListActiveSimulations(ctx context.Context) ([]model.Simulation, error)
	RecordGrowth(ctx context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error
}

// Simulator applies growth steps.
type Simulator struct {
	store  Store
	minPct decimal.Decimal
	maxPct decimal.Decimal
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulator creates a simulator drawing percentages uniformly from
// [minPct, maxPct), both given in percent (4 means 4%).
func NewSimulator(st Store, minPct, maxPct decimal.Decimal, rng *rand.Rand, logger *slog.Logger) (*Simulator, error) {
	if minPct.IsNegative() || maxPct.LessThan(minPct) {
		return nil, ErrInvalidRange
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		store:  st,
		minPct: minPct,
		maxPct: maxPct,
		logger: logger,
		rng:    rng,
		now:    time.Now,
	}, nil
}

// Step computes the next balance for current at percent.
func Step(current, percent decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	factor := decimal.NewFromInt(1).Add(percent.Div(decimal.NewFromInt(100)))
	next := current.Mul(factor).Round(BalanceScale)
	return next, next.Sub(current)
}

// RunOnce grows every active simulation once and returns how many were
// updated. A failing simulation is logged and skipped.
func (s *Simulator) RunOnce(ctx context.Context) (int, error) {
	sims, err := s.store.ListActiveSimulations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list simulations: %w", err)
	}

	var errs []error
	updated := 0
	for _, sim := range sims {
		pct := s.drawPercent()
		next, change := Step(sim.CurrentBalance, pct)
		step := model.GrowthStep{Date: s.now().UTC(), Percent: pct, Change: change}

		if err := s.store.RecordGrowth(ctx, sim.ID, next, step); err != nil {
			s.logger.Error("growth step failed", "simulation", sim.ID, "err", err)
			errs = append(errs, fmt.Errorf("simulation %s: %w", sim.ID, err))
			continue
		}
		metrics.GrowthRuns.Inc()
		updated++
		s.logger.Info("growth step applied",
			"simulation", sim.ID,
			"user", sim.UserID,
			"asset", sim.Asset,
			"percent", pct.String(),
			"balance", next.String(),
		)
	}
	return updated, errors.Join(errs...)
}

// Run calls RunOnce every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("growth run failed", "err", err)
			}
		}
	}
}

// drawPercent returns a percentage in [min, max) at two decimals.
func (s *Simulator) drawPercent() decimal.Decimal {
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()

	span := s.maxPct.Sub(s.minPct)
	pct := s.minPct.Add(span.Mul(decimal.NewFromFloat(f))).RoundFloor(2)
	if span.IsPositive() && pct.GreaterThanOrEqual(s.maxPct) {
		pct = s.maxPct.Sub(decimal.New(1, -2))
	}
	return pct
}
