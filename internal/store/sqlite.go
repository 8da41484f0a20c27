package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/earnpool/pool-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept as
// TEXT and all arithmetic happens in Go inside a transaction; the pool is
// limited to one connection so every transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	balance    TEXT NOT NULL DEFAULT '0',
	invested   TEXT NOT NULL DEFAULT '0',
	positive   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	type       TEXT NOT NULL,
	amount     TEXT NOT NULL,
	status     TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	trade_id   TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_created ON transactions (user_id, created_at);
CREATE TABLE IF NOT EXISTS wallets (
	id            TEXT PRIMARY KEY,
	total_balance TEXT NOT NULL DEFAULT '0',
	profit        TEXT NOT NULL DEFAULT '0',
	loss          TEXT NOT NULL DEFAULT '0',
	is_trading    INTEGER NOT NULL DEFAULT 0,
	lock_owner    TEXT NOT NULL DEFAULT '',
	locked_at     TEXT,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_logs (
	id                TEXT PRIMARY KEY,
	wallet_id         TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	entry_price       TEXT NOT NULL,
	exit_price        TEXT,
	amount_usdt       TEXT NOT NULL,
	pnl               TEXT NOT NULL,
	status            TEXT NOT NULL,
	exposure_snapshot TEXT NOT NULL,
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	closed_at         TEXT
);
CREATE INDEX IF NOT EXISTS trade_logs_status_created ON trade_logs (status, created_at);
CREATE TABLE IF NOT EXISTS simulations (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	asset           TEXT NOT NULL,
	start_balance   TEXT NOT NULL,
	current_balance TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	history         TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL
);
`

// NewSQLiteStore opens (and creates if needed) the database at path and
// applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Ledger ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, balance, invested, positive, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Balance.String(), u.Invested.String(), boolInt(u.Balance.IsPositive()),
		formatTime(createdAt), formatTime(createdAt),
	)
	return mapSQLiteError(err)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, balance, invested, created_at, updated_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapSQLiteError(err))
	}
	return u, nil
}

func (s *SQLiteStore) EligibleBalances(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, balance, invested, created_at, updated_at
		 FROM users WHERE positive = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var balanceS, investedS string
		err := tx.QueryRowContext(ctx,
			`SELECT balance, invested FROM users WHERE id = ?`, userID).Scan(&balanceS, &investedS)
		if err != nil {
			return mapSQLiteError(err)
		}
		balance := mustDecimal(balanceS).Add(deltaBalance)
		invested := mustDecimal(investedS).Add(deltaInvested)
		if balance.IsNegative() || invested.IsNegative() {
			return ErrInsufficientBalance
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET balance = ?, invested = ?, positive = ?, updated_at = ? WHERE id = ?`,
			balance.String(), invested.String(), boolInt(balance.IsPositive()), formatTime(time.Now()), userID)
		return err
	})
}

func (s *SQLiteStore) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, t.UserID).Scan(&one); err != nil {
			return mapSQLiteError(err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, user_id, type, amount, status, note, trade_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.Type, t.Amount.String(), t.Status, t.Note, t.TradeID, formatTime(t.CreatedAt))
		return mapSQLiteError(err)
	})
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID, txType string, limit int) ([]model.Transaction, error) {
	query := `SELECT id, user_id, type, amount, status, note, trade_id, created_at
		FROM transactions WHERE user_id = ? AND (? = '' OR type = ?)
		ORDER BY created_at DESC, rowid DESC`
	args := []any{userID, txType, txType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Status, &t.Note, &t.TradeID, &createdAt); err != nil {
			return nil, err
		}
		t.Amount = mustDecimal(amount)
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Shared wallet / trade lock ---

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (id, total_balance, profit, loss, updated_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.TotalBalance.String(), w.Profit.String(), w.Loss.String(), formatTime(time.Now()))
	return mapSQLiteError(err)
}

func (s *SQLiteStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	var total, profit, loss, updatedAt string
	var isTrading int
	var lockedAt sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, total_balance, profit, loss, is_trading, lock_owner, locked_at, updated_at
		 FROM wallets WHERE id = ?`, id).
		Scan(&w.ID, &total, &profit, &loss, &isTrading, &w.LockOwner, &lockedAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", id, mapSQLiteError(err))
	}
	w.TotalBalance = mustDecimal(total)
	w.Profit = mustDecimal(profit)
	w.Loss = mustDecimal(loss)
	w.IsTrading = isTrading == 1
	w.LockedAt = parseNullTime(lockedAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

// AcquireTradeLock is one conditional UPDATE; the lease comparison works on
// the fixed-width time text.
func (s *SQLiteStore) AcquireTradeLock(ctx context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets
		 SET is_trading = 1, lock_owner = ?, locked_at = ?, updated_at = ?
		 WHERE id = ?
		   AND (is_trading = 0 OR (? = 1 AND (locked_at IS NULL OR locked_at <= ?)))`,
		owner, formatTime(now), formatTime(now), walletID, boolInt(ttl > 0), formatTime(now.Add(-ttl)))
	if err != nil {
		return false, fmt.Errorf("acquire trade lock %s: %w", walletID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetWallet(ctx, walletID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ReleaseTradeLock(ctx context.Context, walletID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET is_trading = 0, lock_owner = '', locked_at = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), walletID)
	if err != nil {
		return fmt.Errorf("release trade lock %s: %w", walletID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) AddWalletPnL(ctx context.Context, walletID string, pnl decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var w model.Wallet
		var total, profit, loss string
		err := tx.QueryRowContext(ctx,
			`SELECT total_balance, profit, loss FROM wallets WHERE id = ?`, walletID).Scan(&total, &profit, &loss)
		if err != nil {
			return mapSQLiteError(err)
		}
		w.TotalBalance, w.Profit, w.Loss = mustDecimal(total), mustDecimal(profit), mustDecimal(loss)
		applyWalletPnL(&w, pnl)
		_, err = tx.ExecContext(ctx,
			`UPDATE wallets SET total_balance = ?, profit = ?, loss = ?, updated_at = ? WHERE id = ?`,
			w.TotalBalance.String(), w.Profit.String(), w.Loss.String(), formatTime(time.Now()), walletID)
		return err
	})
}

// --- Trade log ---

func (s *SQLiteStore) InsertTradeLog(ctx context.Context, t *model.TradeLog) error {
	snapshot, err := json.Marshal(t.ExposureSnapshot)
	if err != nil {
		return fmt.Errorf("encode exposure snapshot: %w", err)
	}
	var closedAt any
	if t.ClosedAt != nil {
		closedAt = formatTime(*t.ClosedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trade_logs (id, wallet_id, symbol, side, entry_price, exit_price, amount_usdt,
		                         pnl, status, exposure_snapshot, notes, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.Symbol, string(t.Side), t.EntryPrice.String(), nullDecimalArg(t.ExitPrice),
		t.AmountUSDT.String(), t.PnL.String(), string(t.Status), string(snapshot), t.Notes,
		formatTime(t.CreatedAt), closedAt)
	return mapSQLiteError(err)
}

const sqliteTradeColumns = `id, wallet_id, symbol, side, entry_price, exit_price, amount_usdt,
	pnl, status, exposure_snapshot, notes, created_at, closed_at`

func (s *SQLiteStore) GetTradeLog(ctx context.Context, id string) (*model.TradeLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTradeColumns+` FROM trade_logs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanSQLiteTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}

func (s *SQLiteStore) ResolveTradeLog(ctx context.Context, id string, r model.TradeResolution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trade_logs SET status = ?, exit_price = ?, pnl = ?, notes = ?, closed_at = ?
		 WHERE id = ? AND status = 'OPEN'`,
		string(r.Status), nullDecimalArg(r.ExitPrice), r.PnL.String(), r.Notes, formatTime(r.ClosedAt), id)
	if err != nil {
		return fmt.Errorf("resolve trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetTradeLog(ctx, id); err != nil {
		return err
	}
	return ErrTradeNotOpen
}

func (s *SQLiteStore) ListTradeLogs(ctx context.Context, f TradeLogFilter) ([]model.TradeLog, error) {
	var where []string
	var args []any
	if f.WalletID != "" {
		where = append(where, "wallet_id = ?")
		args = append(args, f.WalletID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + sqliteTradeColumns + ` FROM trade_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteTrades(rows)
}

// --- Growth simulations ---

func (s *SQLiteStore) CreateSimulation(ctx context.Context, sim *model.Simulation) error {
	history, err := json.Marshal(nonNilHistory(sim.History))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (id, user_id, asset, start_balance, current_balance, active, history, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sim.ID, sim.UserID, sim.Asset, sim.StartBalance.String(), sim.CurrentBalance.String(),
		boolInt(sim.Active), string(history), formatTime(sim.CreatedAt))
	return mapSQLiteError(err)
}

func (s *SQLiteStore) ListActiveSimulations(ctx context.Context) ([]model.Simulation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, asset, start_balance, current_balance, history, created_at
		 FROM simulations WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sims []model.Simulation
	for rows.Next() {
		var sim model.Simulation
		var start, current, history, createdAt string
		if err := rows.Scan(&sim.ID, &sim.UserID, &sim.Asset, &start, &current, &history, &createdAt); err != nil {
			return nil, err
		}
		sim.StartBalance = mustDecimal(start)
		sim.CurrentBalance = mustDecimal(current)
		sim.Active = true
		sim.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(history), &sim.History); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", sim.ID, err)
		}
		sims = append(sims, sim)
	}
	return sims, rows.Err()
}

func (s *SQLiteStore) RecordGrowth(ctx context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT history FROM simulations WHERE id = ?`, simID).Scan(&raw); err != nil {
			return mapSQLiteError(err)
		}
		var history []model.GrowthStep
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return fmt.Errorf("decode history %s: %w", simID, err)
		}
		encoded, err := json.Marshal(append(history, step))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE simulations SET current_balance = ?, history = ? WHERE id = ?`,
			newBalance.String(), string(encoded), simID)
		return err
	})
}

// --- helpers ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var balance, invested, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &balance, &invested, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Balance = mustDecimal(balance)
	u.Invested = mustDecimal(invested)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func scanSQLiteTrades(rows *sql.Rows) ([]model.TradeLog, error) {
	var trades []model.TradeLog
	for rows.Next() {
		var t model.TradeLog
		var side, status, entry, amount, pnl, snapshot, createdAt string
		var exit, closedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Symbol, &side, &entry, &exit, &amount,
			&pnl, &status, &snapshot, &t.Notes, &createdAt, &closedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Status = model.TradeStatus(status)
		t.EntryPrice = mustDecimal(entry)
		t.AmountUSDT = mustDecimal(amount)
		t.PnL = mustDecimal(pnl)
		if exit.Valid {
			t.ExitPrice = decimal.NewNullDecimal(mustDecimal(exit.String))
		}
		t.CreatedAt = parseTime(createdAt)
		t.ClosedAt = parseNullTime(closedAt)
		if err := json.Unmarshal([]byte(snapshot), &t.ExposureSnapshot); err != nil {
			return nil, fmt.Errorf("decode exposure snapshot %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilHistory(h []model.GrowthStep) []model.GrowthStep {
	if h == nil {
		return []model.GrowthStep{}
	}
	return h
}
