package pnl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/model"
)

// Ledger is the slice of the store the engine writes to.
type Ledger interface {
	IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error
	AppendTransaction(ctx context.Context, tx *model.Transaction) error
}

// Engine settles exposure snapshots against a ledger.
type Engine struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(ledger Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: ledger, logger: logger, now: time.Now}
}

// Distribute settles snapshot with totalPnL: each contributor's balance is
// credited share + userPnL, invested is debited share, and a "P&L"
// transaction is appended to their history.
//
// A failing contributor does not stop the others; every failure is
// returned joined. An empty snapshot is a no-op.
func (e *Engine) Distribute(ctx context.Context, tradeID string, snapshot []model.Contribution, totalPnL decimal.Decimal) (SplitResult, error) {
	split := Split(snapshot, totalPnL)
	if len(split.Allocations) == 0 {
		return split, nil
	}
	if units := split.ResidueUnits(); units > 0 {
		metrics.RoundingResidueUnits.Add(float64(units))
	}

	var errs []error
	for _, a := range split.Allocations {
		credit := a.Credit()
		if err := e.ledger.IncrementBalance(ctx, a.UserID, credit, a.Share.Neg()); err != nil {
			errs = append(errs, fmt.Errorf("settle user %s: %w", a.UserID, err))
			continue
		}

		tx := &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    a.UserID,
			Type:      model.TxTypePnL,
			Amount:    credit,
			Status:    model.TxStatusCompleted,
			Note:      fmt.Sprintf("PnL %s for trade %s", a.PnL.StringFixed(Scale), tradeID),
			TradeID:   tradeID,
			CreatedAt: e.now().UTC(),
		}
		if err := e.ledger.AppendTransaction(ctx, tx); err != nil {
			errs = append(errs, fmt.Errorf("record pnl for user %s: %w", a.UserID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Error("pnl distribution incomplete",
			"trade", tradeID,
			"failed", len(errs),
			"contributors", len(split.Allocations),
			"err", err,
		)
		return split, err
	}

	e.logger.Debug("pnl distributed",
		"trade", tradeID,
		"pnl", split.Total.String(),
		"contributors", len(split.Allocations),
		"residue", split.Residue.String(),
	)
	return split, nil
}
