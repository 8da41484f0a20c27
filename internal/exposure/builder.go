// Package exposure draws pooled user funds into a per-trade exposure
// snapshot.
//
// A draw moves each contributor's share from balance to invested through a
// single atomic increment on that user's record. The draw is the point at
// which funds are committed; a later failure is compensated by the P&L
// engine, never by undoing the draw here.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/store"
)

// ShareScale is the number of decimal places a contribution is floored to.
const ShareScale int32 = 2

// ErrInvalidAmount is returned when the requested amount is not positive.
var ErrInvalidAmount = errors.New("exposure: requested amount must be positive")

// Ledger is the slice of the store the builder needs.
type Ledger interface {
	EligibleBalances(ctx context.Context) ([]model.User, error)
	IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error
}

// Builder builds exposure snapshots against a ledger.
type Builder struct {
	ledger Ledger
	logger *slog.Logger
}

// NewBuilder creates a builder. A nil logger uses slog.Default().
func NewBuilder(ledger Ledger, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{ledger: ledger, logger: logger}
}

// Build draws up to requested from all users with a positive balance,
// proportionally to their balance.
//
// Each share is floor(balance × requested / total, 2), clamped to the
// unfilled remainder and to the user's balance. Users are visited in the
// ledger's id order so a run is reproducible.
//
// An empty exposure with a nil error means there was nothing to draw. On a
// ledger failure mid-draw the partial exposure is returned together with
// the error; those contributors have already been debited and must be
// settled by the caller.
func (b *Builder) Build(ctx context.Context, requested decimal.Decimal) (model.Exposure, error) {
	var exp model.Exposure
	exp.TotalCollected = decimal.Zero

	if !requested.IsPositive() {
		return exp, ErrInvalidAmount
	}

	users, err := b.ledger.EligibleBalances(ctx)
	if err != nil {
		return exp, fmt.Errorf("load eligible balances: %w", err)
	}

	total := TotalBalance(users)
	if !total.IsPositive() {
		return exp, nil
	}

	for _, u := range users {
		if exp.TotalCollected.GreaterThanOrEqual(requested) {
			break
		}

		share := u.Balance.Mul(requested).Div(total).RoundFloor(ShareScale)
		if remaining := requested.Sub(exp.TotalCollected); share.GreaterThan(remaining) {
			share = remaining
		}
		if share.GreaterThan(u.Balance) {
			share = u.Balance
		}
		if !share.IsPositive() {
			continue
		}

		err := b.ledger.IncrementBalance(ctx, u.ID, share.Neg(), share)
		if errors.Is(err, store.ErrInsufficientBalance) {
			// Balance moved since it was read; nothing was debited.
			b.logger.Warn("exposure contributor skipped",
				"user", u.ID,
				"share", share.String(),
			)
			continue
		}
		if err != nil {
			return exp, fmt.Errorf("debit user %s: %w", u.ID, err)
		}

		exp.Snapshot = append(exp.Snapshot, model.Contribution{UserID: u.ID, Share: share})
		exp.TotalCollected = exp.TotalCollected.Add(share)
	}

	b.logger.Debug("exposure built",
		"requested", requested.String(),
		"collected", exp.TotalCollected.String(),
		"contributors", len(exp.Snapshot),
	)
	return exp, nil
}

// TotalBalance sums the balances of users with a positive balance.
func TotalBalance(users []model.User) decimal.Decimal {
	total := decimal.Zero
	for _, u := range users {
		if u.Balance.IsPositive() {
			total = total.Add(u.Balance)
		}
	}
	return total
}
