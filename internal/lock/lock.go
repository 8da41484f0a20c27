// Package lock provides the trade-cycle mutual exclusion held on a shared
// wallet.
//
// Acquire never waits: a false result means another holder is mid-cycle
// and the caller must skip. Release is unconditional and idempotent. Every
// lock carries a lease so a crashed holder cannot wedge the wallet forever.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lease applied when none is configured.
//
// The lease must outlast the longest cycle. Release does not check the
// owner, so a holder that overruns its lease and releases after another
// process took the lock over clears that process's lock too.
const DefaultTTL = 15 * time.Minute

// Locker acquires and releases the trade lock of a wallet.
type Locker interface {
	Acquire(ctx context.Context, walletID string) (bool, error)
	Release(ctx context.Context, walletID string) error
}

// WalletLockStore is the slice of the store the wallet-record lock needs.
type WalletLockStore interface {
	AcquireTradeLock(ctx context.Context, walletID, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseTradeLock(ctx context.Context, walletID string) error
}

// StoreLocker keeps the lock on the wallet record itself: is_trading plus
// the holder id and the time it was taken.
type StoreLocker struct {
	store WalletLockStore
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewStoreLocker creates a wallet-record locker. ttl <= 0 uses DefaultTTL.
func NewStoreLocker(st WalletLockStore, ttl time.Duration) *StoreLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreLocker{
		store: st,
		owner: uuid.New().String(),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Owner is the id this locker writes into the wallet record.
func (l *StoreLocker) Owner() string { return l.owner }

// Acquire takes the wallet lock if it is free or its lease has expired.
func (l *StoreLocker) Acquire(ctx context.Context, walletID string) (bool, error) {
	ok, err := l.store.AcquireTradeLock(ctx, walletID, l.owner, l.now(), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", walletID, err)
	}
	return ok, nil
}

// Release clears the wallet lock whoever holds it.
func (l *StoreLocker) Release(ctx context.Context, walletID string) error {
	if err := l.store.ReleaseTradeLock(ctx, walletID); err != nil {
		return fmt.Errorf("release lock %s: %w", walletID, err)
	}
	return nil
}

// RedisLocker holds the lock as a Redis key with a PX expiry, for
// deployments where several engines share one Redis.
type RedisLocker struct {
	rdb   *redis.Client
	owner string
	ttl   time.Duration
}

// NewRedisLocker creates a Redis locker. ttl <= 0 uses DefaultTTL.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{rdb: rdb, owner: uuid.New().String(), ttl: ttl}
}

// Acquire sets the lock key if it does not exist yet.
func (l *RedisLocker) Acquire(ctx context.Context, walletID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, Key(walletID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", walletID, err)
	}
	return ok, nil
}

// Release deletes the lock key whoever set it.
func (l *RedisLocker) Release(ctx context.Context, walletID string) error {
	if err := l.rdb.Del(ctx, Key(walletID)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", walletID, err)
	}
	return nil
}

// Key is the Redis key holding a wallet's lock.
func Key(walletID string) string { return "pool:lock:" + walletID }
