// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientBalance is returned by IncrementBalance when the
	// increment would leave balance or invested negative. No mutation
	// happens in that case.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrTradeNotOpen is returned when resolving a trade log entry that has
	// already reached a terminal status.
	ErrTradeNotOpen = errors.New("store: trade is not open")
)

// TradeLogFilter narrows ListTradeLogs. Zero values mean "any".
type TradeLogFilter struct {
	WalletID string
	Status   model.TradeStatus
	Since    time.Time
	Limit    int
}

// Store is the persistence interface. Every balance mutation is a single
// atomic increment scoped to one user record; the trade lock is a single
// conditional write on the wallet record.
type Store interface {
	// --- Ledger ---

	// CreateUser persists a new user balance record.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// EligibleBalances returns every user with balance > 0, ordered by id.
	EligibleBalances(ctx context.Context) ([]model.User, error)

	// IncrementBalance atomically adds the deltas to balance and invested.
	IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error

	// AppendTransaction appends a record to a user's history.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactions returns a user's history newest first, optionally
	// filtered by type. limit <= 0 means no limit.
	ListTransactions(ctx context.Context, userID, txType string, limit int) ([]model.Transaction, error)

	// --- Shared wallet / trade lock ---

	// CreateWallet persists a new wallet record.
	CreateWallet(ctx context.Context, wallet *model.Wallet) error

	// GetWallet retrieves a wallet by id.
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)

	// AcquireTradeLock sets is_trading if it is not set or its lease
	// (locked_at + ttl) has expired. Returns whether the caller holds it.
	AcquireTradeLock(ctx context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseTradeLock clears is_trading unconditionally.
	ReleaseTradeLock(ctx context.Context, walletID string) error

	// AddWalletPnL books realized P&L into the wallet aggregates.
	AddWalletPnL(ctx context.Context, walletID string, pnl decimal.Decimal) error

	// --- Trade log (append-only audit) ---

	// InsertTradeLog appends an OPEN trade log entry.
	InsertTradeLog(ctx context.Context, entry *model.TradeLog) error

	// GetTradeLog retrieves a trade log entry by id.
	GetTradeLog(ctx context.Context, id string) (*model.TradeLog, error)

	// ResolveTradeLog applies the terminal update to an OPEN entry.
	ResolveTradeLog(ctx context.Context, id string, res model.TradeResolution) error

	// ListTradeLogs returns entries newest first.
	ListTradeLogs(ctx context.Context, filter TradeLogFilter) ([]model.TradeLog, error)

	// --- Growth simulations ---

	// CreateSimulation persists a new simulation.
	CreateSimulation(ctx context.Context, sim *model.Simulation) error

	// ListActiveSimulations returns all simulations with active = true.
	ListActiveSimulations(ctx context.Context) ([]model.Simulation, error)

	// RecordGrowth sets the current balance and appends the history step
	// in one atomic update.
	RecordGrowth(ctx context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error
}
