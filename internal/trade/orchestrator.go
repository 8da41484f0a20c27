// Package trade runs the pooled trade cycle and serves the reporting API.
//
// A cycle holds the wallet's trade lock for its whole duration and
// processes the selected pairs strictly one after another, so the same
// pooled balances are never committed to two allocations at once.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/allocation"
	"github.com/earnpool/pool-engine/internal/exposure"
	"github.com/earnpool/pool-engine/internal/lock"
	"github.com/earnpool/pool-engine/internal/market"
	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/pnl"
	"github.com/earnpool/pool-engine/internal/store"
)

// releaseTimeout bounds the deferred lock release.
const releaseTimeout = 10 * time.Second

// Config holds the cycle parameters.
type Config struct {
	WalletID            string
	QuoteAsset          string
	TopN                int
	MaxConcurrentTrades int
	DryRun              bool
	FailedBuyPolicy     pnl.FailurePolicy
}

// Deps are the collaborators of an Orchestrator. Exchange may be nil in
// dry-run mode; Hub may be nil.
type Deps struct {
	Store    store.Store
	Locker   lock.Locker
	Prices   market.PriceSource
	Exchange market.Exchange
	Sizer    *allocation.Sizer
	Exit     ExitPolicy
	Hub      Broadcaster
	Logger   *slog.Logger
}

// Orchestrator runs trade cycles against one wallet.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	locker   lock.Locker
	prices   market.PriceSource
	exchange market.Exchange
	sizer    *allocation.Sizer
	builder  *exposure.Builder
	engine   *pnl.Engine
	exit     ExitPolicy
	hub      Broadcaster
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator validates the configuration and wires the collaborators.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case cfg.WalletID == "":
		return nil, errors.New("trade: wallet id is required")
	case deps.Store == nil || deps.Locker == nil || deps.Prices == nil || deps.Sizer == nil || deps.Exit == nil:
		return nil, errors.New("trade: store, locker, prices, sizer and exit policy are required")
	case !cfg.DryRun && deps.Exchange == nil:
		return nil, errors.New("trade: live mode requires an exchange")
	}
	if cfg.MaxConcurrentTrades < 1 {
		cfg.MaxConcurrentTrades = 1
	}
	if cfg.FailedBuyPolicy == "" {
		cfg.FailedBuyPolicy = pnl.PolicyRefund
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		locker:   deps.Locker,
		prices:   deps.Prices,
		exchange: deps.Exchange,
		sizer:    deps.Sizer,
		builder:  exposure.NewBuilder(deps.Store, logger),
		engine:   pnl.NewEngine(deps.Store, logger),
		exit:     deps.Exit,
		hub:      deps.Hub,
		logger:   logger.With("wallet", cfg.WalletID),
		now:      time.Now,
	}, nil
}

// WalletID is the wallet this orchestrator trades.
func (o *Orchestrator) WalletID() string { return o.cfg.WalletID }

// RunCycle executes one trade cycle.
//
// Skips (missing wallet, lock held, no capital, no prices) return a
// report with OutcomeSkipped and a nil error. Per-pair buy failures are
// settled and recorded as FAILED trades without ending the cycle. Any other
// error is returned with the partial report; the lock is released in every
// case, including a panic.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		ID:            uuid.New().String(),
		WalletID:      o.cfg.WalletID,
		DryRun:        o.cfg.DryRun,
		PooledCapital: decimal.Zero,
		Allocation:    decimal.Zero,
		StartedAt:     o.now().UTC(),
	}
	defer func() { report.FinishedAt = o.now().UTC() }()

	if _, err := o.store.GetWallet(ctx, o.cfg.WalletID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("trade cycle skipped", "reason", ReasonNoWallet)
			return o.skip(report, ReasonNoWallet), nil
		}
		return o.fail(report, fmt.Errorf("load wallet: %w", err))
	}

	acquired, err := o.locker.Acquire(ctx, o.cfg.WalletID)
	if err != nil {
		return o.fail(report, err)
	}
	if !acquired {
		metrics.LockContention.Inc()
		o.logger.Info("trade cycle skipped", "reason", ReasonLocked)
		return o.skip(report, ReasonLocked), nil
	}
	defer o.release(ctx)

	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	o.logger.Info("trade cycle started", "cycle", report.ID, "dry_run", o.cfg.DryRun)
	err = o.runLocked(ctx, report)
	if err != nil {
		return o.fail(report, err)
	}
	if report.Outcome == OutcomeSkipped {
		o.logger.Info("trade cycle skipped", "cycle", report.ID, "reason", report.Reason)
		return report, nil
	}

	report.Outcome = OutcomeCompleted
	metrics.CyclesTotal.WithLabelValues(string(OutcomeCompleted)).Inc()
	o.logger.Info("trade cycle completed",
		"cycle", report.ID,
		"closed", report.Count(model.TradeClosed),
		"failed", report.Count(model.TradeFailed),
		"pnl", report.TotalPnL().String(),
		"stopped_early", report.StoppedEarly,
	)
	return report, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, report *CycleReport) error {
	users, err := o.store.EligibleBalances(ctx)
	if err != nil {
		return fmt.Errorf("load pooled capital: %w", err)
	}
	pooled := exposure.TotalBalance(users)
	report.PooledCapital = pooled
	metrics.PooledCapital.Set(pooled.InexactFloat64())
	if !pooled.IsPositive() {
		o.skip(report, ReasonNoCapital)
		return nil
	}

	tickers, err := o.prices.Prices(ctx)
	if err != nil {
		o.logger.Warn("price source failed", "err", err)
		o.skip(report, ReasonNoPrices)
		return nil
	}
	pairs := market.SelectPairs(tickers, o.cfg.QuoteAsset, o.cfg.TopN)
	if len(pairs) == 0 {
		o.skip(report, ReasonNoPairs)
		return nil
	}
	if len(pairs) > o.cfg.MaxConcurrentTrades {
		pairs = pairs[:o.cfg.MaxConcurrentTrades]
	}
	report.PairsSelected = len(pairs)

	var errs []error
	for _, t := range pairs {
		if err := ctx.Err(); err != nil {
			report.Reason = ReasonCycleCanceled
			errs = append(errs, err)
			break
		}

		amount, err := o.sizer.Size(pooled)
		report.Allocation = amount
		if errors.Is(err, allocation.ErrBelowMinimum) {
			report.StoppedEarly = true
			report.Reason = ReasonBelowMinimum
			o.logger.Info("allocation below minimum, stopping cycle",
				"allocation", amount.String(),
				"pooled", pooled.String(),
			)
			break
		}

		result, err := o.tradePair(ctx, t, amount)
		report.Trades = append(report.Trades, result)
		if err != nil {
			o.logger.Error("trade failed unexpectedly", "symbol", t.Symbol, "trade", result.TradeID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// tradePair runs one pair from exposure draw to settlement. A non-nil error
// is something other than a buy failure; whatever was drawn has been
// handed back to the contributors before it returns. A panic after the
// draw is returned as an error the same way.
func (o *Orchestrator) tradePair(ctx context.Context, t model.Ticker, amount decimal.Decimal) (result TradeResult, err error) {
	tradeID := uuid.New().String()
	result = TradeResult{
		TradeID:    tradeID,
		Symbol:     t.Symbol,
		Amount:     decimal.Zero,
		EntryPrice: t.Price,
		ExitPrice:  decimal.Zero,
		PnL:        decimal.Zero,
	}

	exp, err := o.builder.Build(ctx, amount)
	if err != nil {
		result.Amount = exp.TotalCollected
		result.Note = "exposure draw failed"
		return result, o.refund(ctx, tradeID, exp, err)
	}
	if exp.Empty() {
		result.TradeID = ""
		result.Note = "nothing to draw"
		o.logger.Info("pair skipped, empty exposure", "symbol", t.Symbol)
		return result, nil
	}
	result.Amount = exp.TotalCollected
	result.Contributors = len(exp.Snapshot)

	// Funds are committed from here on; bookkeeping must finish even if
	// the cycle is canceled.
	sctx := context.WithoutCancel(ctx)

	var logged, resolved, settled bool
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		o.logger.Error("trade panicked", "trade", tradeID, "symbol", t.Symbol, "panic", p, "stack", string(debug.Stack()))
		cause := fmt.Errorf("trade panicked: %v", p)
		var errs []error
		if !settled {
			errs = append(errs, o.refund(sctx, tradeID, exp, cause))
			result.PnL = decimal.Zero
		} else {
			errs = append(errs, cause)
		}
		if logged && !resolved {
			errs = append(errs, o.resolve(sctx, tradeID, model.TradeResolution{Status: model.TradeFailed, PnL: decimal.Zero, Notes: cause.Error()}))
		}
		if !resolved {
			metrics.TradesTotal.WithLabelValues(string(model.TradeFailed)).Inc()
			result.Status = model.TradeFailed
			result.Note = cause.Error()
		}
		err = errors.Join(errs...)
	}()

	entry := &model.TradeLog{
		ID:               tradeID,
		WalletID:         o.cfg.WalletID,
		Symbol:           t.Symbol,
		Side:             model.SideBuy,
		EntryPrice:       t.Price,
		AmountUSDT:       exp.TotalCollected,
		PnL:              decimal.Zero,
		Status:           model.TradeOpen,
		ExposureSnapshot: exp.Snapshot,
		CreatedAt:        o.now().UTC(),
	}
	if err := o.store.InsertTradeLog(sctx, entry); err != nil {
		result.Note = "trade log insert failed"
		err = o.refund(sctx, tradeID, exp, fmt.Errorf("insert trade log: %w", err))
		settled = true
		return result, err
	}
	logged = true
	o.publish(WSMessage{Type: EventTradeOpened, TradeID: tradeID, Symbol: t.Symbol,
		Status: string(model.TradeOpen), Amount: exp.TotalCollected.String()})

	if !o.cfg.DryRun {
		qty := exp.TotalCollected.Div(t.Price).RoundFloor(market.QuantityScale)
		if _, err := o.exchange.MarketBuy(ctx, t.Symbol, qty, tradeID); err != nil {
			result, err = o.failBuy(sctx, result, exp, err)
			settled, resolved = true, true
			return result, err
		}
	}

	exit := o.exit.ExitPrice(t.Symbol, t.Price)
	realized, err := pnl.Compute(exp.TotalCollected, t.Price, exit, model.SideBuy)
	if err != nil {
		result.Status = model.TradeFailed
		result.Note = err.Error()
		resolveErr := o.resolve(sctx, tradeID, model.TradeResolution{Status: model.TradeFailed, PnL: decimal.Zero, Notes: err.Error()})
		resolved = true
		err = errors.Join(o.refund(sctx, tradeID, exp, err), resolveErr)
		settled = true
		return result, err
	}

	result.Status = model.TradeClosed
	result.ExitPrice = exit
	result.PnL = realized

	var errs []error
	if err := o.resolve(sctx, tradeID, model.TradeResolution{
		Status:    model.TradeClosed,
		ExitPrice: decimal.NewNullDecimal(exit),
		PnL:       realized,
	}); err != nil {
		errs = append(errs, err)
	}
	resolved = true
	if err := o.store.AddWalletPnL(sctx, o.cfg.WalletID, realized); err != nil {
		errs = append(errs, fmt.Errorf("update wallet aggregates: %w", err))
	}
	if _, err := o.engine.Distribute(sctx, tradeID, exp.Snapshot, realized); err != nil {
		errs = append(errs, fmt.Errorf("distribute pnl: %w", err))
	}
	settled = true

	metrics.TradesTotal.WithLabelValues(string(model.TradeClosed)).Inc()
	if realized.IsPositive() {
		metrics.RealizedProfit.Add(realized.InexactFloat64())
	} else {
		metrics.RealizedLoss.Add(realized.Abs().InexactFloat64())
	}
	o.logger.Info("trade closed",
		"trade", tradeID,
		"symbol", t.Symbol,
		"amount", exp.TotalCollected.String(),
		"entry", t.Price.String(),
		"exit", exit.String(),
		"pnl", realized.String(),
		"contributors", len(exp.Snapshot),
	)
	o.publish(WSMessage{Type: EventTradeResolved, TradeID: tradeID, Symbol: t.Symbol,
		Status: string(model.TradeClosed), Amount: exp.TotalCollected.String(), PnL: realized.String()})
	return result, errors.Join(errs...)
}

// failBuy settles a rejected market buy under the failed-buy policy and
// marks the trade FAILED. The cycle carries on with the next pair.
func (o *Orchestrator) failBuy(ctx context.Context, result TradeResult, exp model.Exposure, buyErr error) (TradeResult, error) {
	settle := o.cfg.FailedBuyPolicy.PnL(exp.TotalCollected)
	notes := "buy failed: " + buyErr.Error()

	result.Status = model.TradeFailed
	result.PnL = settle
	result.Note = notes

	var errs []error
	if _, err := o.engine.Distribute(ctx, result.TradeID, exp.Snapshot, settle); err != nil {
		errs = append(errs, fmt.Errorf("settle failed buy: %w", err))
	}
	if err := o.resolve(ctx, result.TradeID, model.TradeResolution{
		Status: model.TradeFailed,
		PnL:    settle,
		Notes:  notes,
	}); err != nil {
		errs = append(errs, err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeFailed)).Inc()
	o.logger.Warn("trade failed",
		"trade", result.TradeID,
		"symbol", result.Symbol,
		"policy", string(o.cfg.FailedBuyPolicy),
		"settled_pnl", settle.String(),
		"err", buyErr,
	)
	o.publish(WSMessage{Type: EventTradeResolved, TradeID: result.TradeID, Symbol: result.Symbol,
		Status: string(model.TradeFailed), Amount: exp.TotalCollected.String(), PnL: settle.String()})
	return result, errors.Join(errs...)
}

// refund hands a drawn exposure back at zero P&L and returns cause joined
// with any settlement error.
func (o *Orchestrator) refund(ctx context.Context, tradeID string, exp model.Exposure, cause error) error {
	if len(exp.Snapshot) == 0 {
		return cause
	}
	if _, err := o.engine.Distribute(ctx, tradeID, exp.Snapshot, decimal.Zero); err != nil {
		return errors.Join(cause, fmt.Errorf("refund exposure: %w", err))
	}
	o.logger.Warn("exposure refunded", "trade", tradeID, "amount", exp.TotalCollected.String(), "cause", cause)
	return cause
}

func (o *Orchestrator) resolve(ctx context.Context, tradeID string, res model.TradeResolution) error {
	res.ClosedAt = o.now().UTC()
	if err := o.store.ResolveTradeLog(ctx, tradeID, res); err != nil {
		return fmt.Errorf("resolve trade %s: %w", tradeID, err)
	}
	return nil
}

// release runs on a context detached from the cycle's cancellation so a
// canceled cycle still clears the lock.
func (o *Orchestrator) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.locker.Release(ctx, o.cfg.WalletID); err != nil {
		o.logger.Error("trade lock release failed", "err", err)
	}
}

func (o *Orchestrator) publish(msg WSMessage) {
	if o.hub == nil {
		return
	}
	msg.WalletID = o.cfg.WalletID
	o.hub.Broadcast(msg)
}

func (o *Orchestrator) skip(report *CycleReport, reason string) *CycleReport {
	report.Outcome = OutcomeSkipped
	report.Reason = reason
	metrics.CyclesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
	return report
}

func (o *Orchestrator) fail(report *CycleReport, err error) (*CycleReport, error) {
	report.Outcome = OutcomeFailed
	metrics.CyclesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	return report, err
}
