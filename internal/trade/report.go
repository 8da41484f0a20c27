package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

// CycleOutcome is how a trade cycle ended.
type CycleOutcome string

const (
	OutcomeCompleted CycleOutcome = "completed"
	OutcomeSkipped   CycleOutcome = "skipped"
	OutcomeFailed    CycleOutcome = "failed"
)

// Skip and stop reasons.
const (
	ReasonNoWallet      = "wallet not found"
	ReasonLocked        = "locked"
	ReasonNoCapital     = "no pooled capital"
	ReasonNoPrices      = "price source unavailable"
	ReasonNoPairs       = "no tradable pairs"
	ReasonBelowMinimum  = "allocation below minimum"
	ReasonCycleCanceled = "cycle canceled"
)

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"wallet_id"`
	Outcome       CycleOutcome    `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	DryRun        bool            `json:"dry_run"`
	PooledCapital decimal.Decimal `json:"pooled_capital"`
	Allocation    decimal.Decimal `json:"allocation"`
	PairsSelected int             `json:"pairs_selected"`
	StoppedEarly  bool            `json:"stopped_early"`
	Trades        []TradeResult   `json:"trades"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// TradeResult is the outcome of one pair within a cycle.
type TradeResult struct {
	TradeID      string            `json:"trade_id,omitempty"`
	Symbol       string            `json:"symbol"`
	Status       model.TradeStatus `json:"status,omitempty"` // empty when the pair was skipped
	Amount       decimal.Decimal   `json:"amount"`
	Contributors int               `json:"contributors"`
	EntryPrice   decimal.Decimal   `json:"entry_price"`
	ExitPrice    decimal.Decimal   `json:"exit_price"`
	PnL          decimal.Decimal   `json:"pnl"`
	Note         string            `json:"note,omitempty"`
}

// TotalPnL sums P&L over closed trades.
func (r *CycleReport) TotalPnL() decimal.Decimal {
	total := decimal.Zero
	for _, t := range r.Trades {
		if t.Status == model.TradeClosed {
			total = total.Add(t.PnL)
		}
	}
	return total
}

// Count returns the number of trades with the given status.
func (r *CycleReport) Count(status model.TradeStatus) int {
	n := 0
	for _, t := range r.Trades {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Summary is a short operator-facing text.
func (r *CycleReport) Summary() string {
	var b strings.Builder
	mode := "live"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(&b, "Trade cycle %s on wallet %s (%s)", r.Outcome, r.WalletID, mode)
	if r.Reason != "" {
		fmt.Fprintf(&b, ": %s", r.Reason)
	}
	if r.Outcome == OutcomeSkipped {
		return b.String()
	}
	fmt.Fprintf(&b, "\nPooled capital: %s, per trade: %s", r.PooledCapital.StringFixed(2), r.Allocation.StringFixed(2))
	fmt.Fprintf(&b, "\nTrades: %d closed, %d failed, net P&L %s",
		r.Count(model.TradeClosed), r.Count(model.TradeFailed), r.TotalPnL().StringFixed(8))
	for _, t := range r.Trades {
		if t.Status == "" {
			continue
		}
		fmt.Fprintf(&b, "\n- %s %s %s", t.Symbol, t.Status, t.PnL.StringFixed(8))
		if t.Note != "" {
			fmt.Fprintf(&b, " (%s)", t.Note)
		}
	}
	return b.String()
}
