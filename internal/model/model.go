// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeStatus is the lifecycle state of a trade log entry.
// Transitions are OPEN → CLOSED or OPEN → FAILED and are terminal.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
	TradeFailed TradeStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeOpen, TradeClosed, TradeFailed:
		return true
	}
	return false
}

// Transaction types written to a user's history.
const (
	TxTypePnL        = "P&L"
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"

	TxStatusCompleted = "Completed"
)

// User is a balance record in the pooled ledger.
// Balance is available for allocation; Invested is committed to open
// exposure snapshots. Both only move through atomic increments.
type User struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Invested  decimal.Decimal `json:"invested" db:"invested"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Contribution is one user's share of an exposure snapshot.
type Contribution struct {
	UserID string          `json:"user_id"`
	Share  decimal.Decimal `json:"share"`
}

// Exposure is the result of proportionally drawing pooled funds for one
// trade attempt. Sum of shares == TotalCollected.
type Exposure struct {
	Snapshot       []Contribution  `json:"snapshot"`
	TotalCollected decimal.Decimal `json:"total_collected"`
}

// Empty reports whether nothing was collected.
func (e Exposure) Empty() bool {
	return len(e.Snapshot) == 0 || !e.TotalCollected.IsPositive()
}

// TradeLog is the audit record of one trade attempt. It is created OPEN and
// resolved exactly once; the embedded snapshot never changes.
type TradeLog struct {
	ID               string              `json:"id" db:"id"`
	WalletID         string              `json:"wallet_id" db:"wallet_id"`
	Symbol           string              `json:"symbol" db:"symbol"`
	Side             Side                `json:"side" db:"side"`
	EntryPrice       decimal.Decimal     `json:"entry_price" db:"entry_price"`
	ExitPrice        decimal.NullDecimal `json:"exit_price" db:"exit_price"`
	AmountUSDT       decimal.Decimal     `json:"amount_usdt" db:"amount_usdt"`
	PnL              decimal.Decimal     `json:"pnl" db:"pnl"`
	Status           TradeStatus         `json:"status" db:"status"`
	ExposureSnapshot []Contribution      `json:"exposure_snapshot" db:"exposure_snapshot"`
	Notes            string              `json:"notes,omitempty" db:"notes"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
}

// TradeResolution is the single terminal update applied to an OPEN trade.
type TradeResolution struct {
	Status    TradeStatus
	ExitPrice decimal.NullDecimal
	PnL       decimal.Decimal
	Notes     string
	ClosedAt  time.Time
}

// Wallet is the shared pool record. IsTrading is the trade-cycle mutual
// exclusion flag; LockedAt bounds how long a crashed holder can keep it.
type Wallet struct {
	ID           string          `json:"id" db:"id"`
	TotalBalance decimal.Decimal `json:"total_balance" db:"total_balance"`
	Profit       decimal.Decimal `json:"profit" db:"profit"`
	Loss         decimal.Decimal `json:"loss" db:"loss"`
	IsTrading    bool            `json:"is_trading" db:"is_trading"`
	LockOwner    string          `json:"lock_owner,omitempty" db:"lock_owner"`
	LockedAt     *time.Time      `json:"locked_at,omitempty" db:"locked_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an entry in a user's history (deposits, withdrawals, P&L).
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      string          `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    string          `json:"status" db:"status"`
	Note      string          `json:"note,omitempty" db:"note"`
	TradeID   string          `json:"trade_id,omitempty" db:"trade_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Ticker is the last traded price of one symbol.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// OrderReceipt is what the exchange returns for an accepted market order.
type OrderReceipt struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	QuoteQty      decimal.Decimal `json:"quote_qty"`
}

// Simulation is a demo balance that grows by a random percentage per run.
type Simulation struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Asset          string          `json:"asset" db:"asset"`
	StartBalance   decimal.Decimal `json:"start_balance" db:"start_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	Active         bool            `json:"active" db:"active"`
	History        []GrowthStep    `json:"history"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// GrowthStep records one simulator run for a simulation.
type GrowthStep struct {
	Date    time.Time       `json:"date"`
	Percent decimal.Decimal `json:"percent"` // e.g. 7.25 for +7.25%
	Change  decimal.Decimal `json:"change"`
}
