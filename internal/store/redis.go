package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
//
// Wallets and eligible balances are never cached: the trade lock and the
// pooled-capital computation must always see the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) IncrementBalance(ctx context.Context, userID string, deltaBalance, deltaInvested decimal.Decimal) error {
	if err := s.primary.IncrementBalance(ctx, userID, deltaBalance, deltaInvested); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	if err := s.primary.AppendTransaction(ctx, tx); err != nil {
		return err
	}
	s.invalidateHistory(ctx, tx.UserID)
	return nil
}

func (s *CachedStore) InsertTradeLog(ctx context.Context, entry *model.TradeLog) error {
	return s.primary.InsertTradeLog(ctx, entry)
}

func (s *CachedStore) ResolveTradeLog(ctx context.Context, id string, res model.TradeResolution) error {
	if err := s.primary.ResolveTradeLog(ctx, id, res); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID, txType string, limit int) ([]model.Transaction, error) {
	key := historyKey(userID, txType, limit)
	var txs []model.Transaction
	if s.load(ctx, key, &txs) {
		return txs, nil
	}

	txs, err := s.primary.ListTransactions(ctx, userID, txType, limit)
	if err != nil {
		return nil, err
	}
	if s.save(ctx, key, txs) {
		// Track the key so AppendTransaction can drop every variant.
		s.rdb.SAdd(ctx, historyIndexKey(userID), key)
		s.rdb.Expire(ctx, historyIndexKey(userID), s.ttl)
	}
	return txs, nil
}

// GetTradeLog caches only resolved entries; an OPEN entry is about to change.
func (s *CachedStore) GetTradeLog(ctx context.Context, id string) (*model.TradeLog, error) {
	var t model.TradeLog
	if s.load(ctx, tradeKey(id), &t) {
		return &t, nil
	}

	got, err := s.primary.GetTradeLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.Status != model.TradeOpen {
		s.save(ctx, tradeKey(id), got)
	}
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EligibleBalances(ctx context.Context) ([]model.User, error) {
	return s.primary.EligibleBalances(ctx)
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.primary.CreateWallet(ctx, w)
}

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, id)
}

func (s *CachedStore) AcquireTradeLock(ctx context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return s.primary.AcquireTradeLock(ctx, walletID, owner, now, ttl)
}

func (s *CachedStore) ReleaseTradeLock(ctx context.Context, walletID string) error {
	return s.primary.ReleaseTradeLock(ctx, walletID)
}

func (s *CachedStore) AddWalletPnL(ctx context.Context, walletID string, pnl decimal.Decimal) error {
	return s.primary.AddWalletPnL(ctx, walletID, pnl)
}

func (s *CachedStore) ListTradeLogs(ctx context.Context, f TradeLogFilter) ([]model.TradeLog, error) {
	return s.primary.ListTradeLogs(ctx, f)
}

func (s *CachedStore) CreateSimulation(ctx context.Context, sim *model.Simulation) error {
	return s.primary.CreateSimulation(ctx, sim)
}

func (s *CachedStore) ListActiveSimulations(ctx context.Context) ([]model.Simulation, error) {
	return s.primary.ListActiveSimulations(ctx)
}

func (s *CachedStore) RecordGrowth(ctx context.Context, simID string, newBalance decimal.Decimal, step model.GrowthStep) error {
	return s.primary.RecordGrowth(ctx, simID, newBalance, step)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err() == nil
}

func (s *CachedStore) invalidateHistory(ctx context.Context, userID string) {
	keys, err := s.rdb.SMembers(ctx, historyIndexKey(userID)).Result()
	if err == nil && len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	s.rdb.Del(ctx, historyIndexKey(userID))
}

func userKey(id string) string { return fmt.Sprintf("pool:user:%s", id) }
func tradeKey(id string) string { return fmt.Sprintf("pool:trade:%s", id) }
func historyIndexKey(uid string) string { return fmt.Sprintf("pool:history:%s", uid) }
func historyKey(uid, txType string, limit int) string {
	return fmt.Sprintf("pool:history:%s:%s:%d", uid, txType, limit)
}
