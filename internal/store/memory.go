package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	transactions []model.Transaction
	wallets      map[string]*model.Wallet
	trades       map[string]*model.TradeLog
	tradeOrder   []string
	simulations  map[string]*model.Simulation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		wallets:     make(map[string]*model.Wallet),
		trades:      make(map[string]*model.TradeLog),
		simulations: make(map[string]*model.Simulation),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *u
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) EligibleBalances(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []model.User
	for _, u := range s.users {
		if u.Balance.IsPositive() {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) IncrementBalance(_ context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	balance := u.Balance.Add(deltaBalance)
	invested := u.Invested.Add(deltaInvested)
	if balance.IsNegative() || invested.IsNegative() {
		return ErrInsufficientBalance
	}
	u.Balance = balance
	u.Invested = invested
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[tx.UserID]; !ok {
		return ErrNotFound
	}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID, txType string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	// Newest first: walk the append-only slice backwards.
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.UserID != userID || (txType != "" && tx.Type != txType) {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *w
	copy.UpdatedAt = time.Now().UTC()
	s.wallets[w.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) AcquireTradeLock(_ context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return false, ErrNotFound
	}
	if w.IsTrading && !leaseExpired(w.LockedAt, now, ttl) {
		return false, nil
	}
	lockedAt := now.UTC()
	w.IsTrading = true
	w.LockOwner = owner
	w.LockedAt = &lockedAt
	w.UpdatedAt = lockedAt
	return true, nil
}

func (s *MemoryStore) ReleaseTradeLock(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	w.IsTrading = false
	w.LockOwner = ""
	w.LockedAt = nil
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddWalletPnL(_ context.Context, walletID string, pnl decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	applyWalletPnL(w, pnl)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertTradeLog(_ context.Context, entry *model.TradeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[entry.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *entry
	copy.ExposureSnapshot = append([]model.Contribution(nil), entry.ExposureSnapshot...)
	s.trades[entry.ID] = &copy
	s.tradeOrder = append(s.tradeOrder, entry.ID)
	return nil
}

func (s *MemoryStore) GetTradeLog(_ context.Context, id string) (*model.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) ResolveTradeLog(_ context.Context, id string, res model.TradeResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != model.TradeOpen {
		return ErrTradeNotOpen
	}
	closedAt := res.ClosedAt
	t.Status = res.Status
	t.ExitPrice = res.ExitPrice
	t.PnL = res.PnL
	t.Notes = res.Notes
	t.ClosedAt = &closedAt
	return nil
}

func (s *MemoryStore) ListTradeLogs(_ context.Context, f TradeLogFilter) ([]model.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeLog
	for i := len(s.tradeOrder) - 1; i >= 0; i-- {
		t := s.trades[s.tradeOrder[i]]
		if !matchTrade(t, f) {
			continue
		}
		result = append(result, *cloneTrade(t))
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateSimulation(_ context.Context, sim *model.Simulation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.simulations[sim.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *sim
	copy.History = append([]model.GrowthStep(nil), sim.History...)
	s.simulations[sim.ID] = &copy
	return nil
}

func (s *MemoryStore) ListActiveSimulations(_ context.Context) ([]model.Simulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sims []model.Simulation
	for _, sim := range s.simulations {
		if !sim.Active {
			continue
		}
		copy := *sim
		copy.History = append([]model.GrowthStep(nil), sim.History...)
		sims = append(sims, copy)
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].ID < sims[j].ID })
	return sims, nil
}

func (s *MemoryStore) RecordGrowth(_ context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.simulations[simID]
	if !ok {
		return ErrNotFound
	}
	sim.CurrentBalance = newBalance
	sim.History = append(sim.History, step)
	return nil
}

// --- helpers shared by the Go-side implementations ---

func leaseExpired(lockedAt *time.Time, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	// A flag without a timestamp predates leases; treat it as stale.
	if lockedAt == nil {
		return true
	}
	return !now.Before(lockedAt.Add(ttl))
}

func applyWalletPnL(w *model.Wallet, pnl decimal.Decimal) {
	w.TotalBalance = w.TotalBalance.Add(pnl)
	if pnl.IsPositive() {
		w.Profit = w.Profit.Add(pnl)
	} else {
		w.Loss = w.Loss.Add(pnl.Abs())
	}
}

func matchTrade(t *model.TradeLog, f TradeLogFilter) bool {
	if f.WalletID != "" && t.WalletID != f.WalletID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func cloneTrade(t *model.TradeLog) *model.TradeLog {
	copy := *t
	copy.ExposureSnapshot = append([]model.Contribution(nil), t.ExposureSnapshot...)
	if t.ClosedAt != nil {
		closedAt := *t.ClosedAt
		copy.ClosedAt = &closedAt
	}
	return &copy
}
