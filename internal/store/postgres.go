package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
	invested   NUMERIC NOT NULL DEFAULT 0 CHECK (invested >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS users_positive_balance ON users (id) WHERE balance > 0;

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	type       TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	status     TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	trade_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_created ON transactions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS wallets (
	id            TEXT PRIMARY KEY,
	total_balance NUMERIC NOT NULL DEFAULT 0,
	profit        NUMERIC NOT NULL DEFAULT 0,
	loss          NUMERIC NOT NULL DEFAULT 0,
	is_trading    BOOLEAN NOT NULL DEFAULT FALSE,
	lock_owner    TEXT NOT NULL DEFAULT '',
	locked_at     TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trade_logs (
	id                TEXT PRIMARY KEY,
	wallet_id         TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	entry_price       NUMERIC NOT NULL,
	exit_price        NUMERIC,
	amount_usdt       NUMERIC NOT NULL,
	pnl               NUMERIC NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	exposure_snapshot JSONB NOT NULL,
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trade_logs_status_created ON trade_logs (status, created_at DESC);

CREATE TABLE IF NOT EXISTS simulations (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	asset           TEXT NOT NULL,
	start_balance   NUMERIC NOT NULL,
	current_balance NUMERIC NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS simulation_history (
	simulation_id TEXT NOT NULL REFERENCES simulations(id),
	date          TIMESTAMPTZ NOT NULL,
	percent       NUMERIC NOT NULL,
	change        NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS simulation_history_sim ON simulation_history (simulation_id, date);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, invested, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $4)`,
		u.ID, u.Balance.String(), u.Invested.String(), createdAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance, invested string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, invested::TEXT, created_at, updated_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &invested, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapPgError(err))
	}
	u.Balance, _ = decimal.NewFromString(balance)
	u.Invested, _ = decimal.NewFromString(invested)
	return &u, nil
}

func (s *PostgresStore) EligibleBalances(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance::TEXT, invested::TEXT, created_at, updated_at
		 FROM users WHERE balance > 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance, invested string
		if err := rows.Scan(&u.ID, &balance, &invested, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balance)
		u.Invested, _ = decimal.NewFromString(invested)
		users = append(users, u)
	}
	return users, rows.Err()
}

// IncrementBalance is a single conditional UPDATE, so concurrent draws can
// never drive balance or invested below zero.
func (s *PostgresStore) IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET balance = balance + $2::NUMERIC,
		     invested = invested + $3::NUMERIC,
		     updated_at = now()
		 WHERE id = $1
		   AND balance + $2::NUMERIC >= 0
		   AND invested + $3::NUMERIC >= 0`,
		userID, deltaBalance.String(), deltaInvested.String(),
	)
	if err != nil {
		return fmt.Errorf("increment balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInsufficientBalance
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, note, trade_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount.String(), tx.Status, tx.Note, tx.TradeID, tx.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID, txType string, limit int) ([]model.Transaction, error) {
	query := `SELECT id, user_id, type, amount::TEXT, status, note, trade_id, created_at
		 FROM transactions WHERE user_id = $1 AND ($2 = '' OR type = $2)
		 ORDER BY created_at DESC, id DESC`
	args := []any{userID, txType}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var amount string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &amount, &tx.Status, &tx.Note, &tx.TradeID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- Shared wallet / trade lock ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, total_balance, profit, loss)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)`,
		w.ID, w.TotalBalance.String(), w.Profit.String(), w.Loss.String(),
	)
	return mapPgError(err)
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	var total, profit, loss string

	err := s.pool.QueryRow(ctx,
		`SELECT id, total_balance::TEXT, profit::TEXT, loss::TEXT,
		        is_trading, lock_owner, locked_at, updated_at
		 FROM wallets WHERE id = $1`, id).
		Scan(&w.ID, &total, &profit, &loss,
			&w.IsTrading, &w.LockOwner, &w.LockedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", id, mapPgError(err))
	}
	w.TotalBalance, _ = decimal.NewFromString(total)
	w.Profit, _ = decimal.NewFromString(profit)
	w.Loss, _ = decimal.NewFromString(loss)
	return &w, nil
}

func (s *PostgresStore) AcquireTradeLock(ctx context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET is_trading = TRUE, lock_owner = $2, locked_at = $3, updated_at = $3
		 WHERE id = $1
		   AND (is_trading = FALSE
		        OR ($4 AND (locked_at IS NULL OR locked_at <= $5)))`,
		walletID, owner, now.UTC(), ttl > 0, now.Add(-ttl).UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire trade lock %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ReleaseTradeLock(ctx context.Context, walletID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET is_trading = FALSE, lock_owner = '', locked_at = NULL, updated_at = now()
		 WHERE id = $1`, walletID)
	if err != nil {
		return fmt.Errorf("release trade lock %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddWalletPnL(ctx context.Context, walletID string, pnl decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET total_balance = total_balance + $2::NUMERIC,
		     profit = profit + GREATEST($2::NUMERIC, 0),
		     loss = loss + GREATEST(-$2::NUMERIC, 0),
		     updated_at = now()
		 WHERE id = $1`,
		walletID, pnl.String(),
	)
	if err != nil {
		return fmt.Errorf("add wallet pnl %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Trade log ---

func (s *PostgresStore) InsertTradeLog(ctx context.Context, t *model.TradeLog) error {
	snapshot, err := json.Marshal(t.ExposureSnapshot)
	if err != nil {
		return fmt.Errorf("encode exposure snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trade_logs (id, wallet_id, symbol, side, entry_price, exit_price, amount_usdt,
		                         pnl, status, exposure_snapshot, notes, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9, $10, $11, $12, $13)`,
		t.ID, t.WalletID, t.Symbol, string(t.Side), t.EntryPrice.String(), nullDecimalArg(t.ExitPrice),
		t.AmountUSDT.String(), t.PnL.String(), string(t.Status), snapshot, t.Notes, t.CreatedAt, t.ClosedAt,
	)
	return mapPgError(err)
}

const tradeLogColumns = `id, wallet_id, symbol, side, entry_price::TEXT, exit_price::TEXT, amount_usdt::TEXT,
	pnl::TEXT, status, exposure_snapshot, notes, created_at, closed_at`

func (s *PostgresStore) GetTradeLog(ctx context.Context, id string) (*model.TradeLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeLogColumns+` FROM trade_logs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTradeLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}

func (s *PostgresStore) ResolveTradeLog(ctx context.Context, id string, res model.TradeResolution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_logs
		 SET status = $2, exit_price = $3::NUMERIC, pnl = $4::NUMERIC, notes = $5, closed_at = $6
		 WHERE id = $1 AND status = 'OPEN'`,
		id, string(res.Status), nullDecimalArg(res.ExitPrice), res.PnL.String(), res.Notes, res.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("resolve trade %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM trade_logs WHERE id = $1)`, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTradeNotOpen
}

func (s *PostgresStore) ListTradeLogs(ctx context.Context, f TradeLogFilter) ([]model.TradeLog, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.WalletID != "" {
		add("wallet_id = $%d", f.WalletID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	query := `SELECT ` + tradeLogColumns + ` FROM trade_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeLogs(rows)
}

// --- Growth simulations ---

func (s *PostgresStore) CreateSimulation(ctx context.Context, sim *model.Simulation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO simulations (id, user_id, asset, start_balance, current_balance, active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		sim.ID, sim.UserID, sim.Asset, sim.StartBalance.String(), sim.CurrentBalance.String(),
		sim.Active, sim.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) ListActiveSimulations(ctx context.Context) ([]model.Simulation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, start_balance::TEXT, current_balance::TEXT, active, created_at
		 FROM simulations WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sims []model.Simulation
	index := make(map[string]int)
	for rows.Next() {
		var sim model.Simulation
		var start, current string
		if err := rows.Scan(&sim.ID, &sim.UserID, &sim.Asset, &start, &current, &sim.Active, &sim.CreatedAt); err != nil {
			return nil, err
		}
		sim.StartBalance, _ = decimal.NewFromString(start)
		sim.CurrentBalance, _ = decimal.NewFromString(current)
		index[sim.ID] = len(sims)
		sims = append(sims, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sims) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sims))
	for _, sim := range sims {
		ids = append(ids, sim.ID)
	}
	hist, err := s.pool.Query(ctx,
		`SELECT simulation_id, date, percent::TEXT, change::TEXT
		 FROM simulation_history WHERE simulation_id = ANY($1) ORDER BY date`, ids)
	if err != nil {
		return nil, err
	}
	defer hist.Close()

	for hist.Next() {
		var simID, percent, change string
		var step model.GrowthStep
		if err := hist.Scan(&simID, &step.Date, &percent, &change); err != nil {
			return nil, err
		}
		step.Percent, _ = decimal.NewFromString(percent)
		step.Change, _ = decimal.NewFromString(change)
		i := index[simID]
		sims[i].History = append(sims[i].History, step)
	}
	return sims, hist.Err()
}

func (s *PostgresStore) RecordGrowth(ctx context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin growth tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE simulations SET current_balance = $2::NUMERIC WHERE id = $1`,
		simID, newBalance.String())
	if err != nil {
		return fmt.Errorf("update simulation %s: %w", simID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO simulation_history (simulation_id, date, percent, change)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
		simID, step.Date, step.Percent.String(), step.Change.String()); err != nil {
		return fmt.Errorf("record growth step %s: %w", simID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit growth %s: %w", simID, err)
	}
	return nil
}

// --- helpers ---

func (s *PostgresStore) exists(ctx context.Context, query, id string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTradeLogs(rows pgxRows) ([]model.TradeLog, error) {
	var trades []model.TradeLog
	for rows.Next() {
		var t model.TradeLog
		var side, status, entryS, amountS, pnlS string
		var exitS *string
		var snapshot []byte

		if err := rows.Scan(&t.ID, &t.WalletID, &t.Symbol, &side, &entryS, &exitS, &amountS,
			&pnlS, &status, &snapshot, &t.Notes, &t.CreatedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Status = model.TradeStatus(status)
		t.EntryPrice, _ = decimal.NewFromString(entryS)
		t.AmountUSDT, _ = decimal.NewFromString(amountS)
		t.PnL, _ = decimal.NewFromString(pnlS)
		if exitS != nil {
			if exit, err := decimal.NewFromString(*exitS); err == nil {
				t.ExitPrice = decimal.NewNullDecimal(exit)
			}
		}
		if err := json.Unmarshal(snapshot, &t.ExposureSnapshot); err != nil {
			return nil, fmt.Errorf("decode exposure snapshot %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
