/*
Package cache keeps a read-through copy of wallet balances in Redis.

PURPOSE:
  GET /api/wallets/me is by far the hottest read. Balances are served from
  Redis when present and from the ledger otherwise.

CONSISTENCY:
  The ledger stays the source of truth. BalanceCache is registered as a
  ledger observer and deletes the entries of every wallet a committed
  transaction or state change touches. A failed cache read or write is
  logged and falls through to the ledger; it never fails the request.

  A fill that raced with an invalidation is not kept: every invalidation
  bumps a counter, and a miss only stores what it read when the counter is
  unchanged after the read and after the write.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/escrow-engine/escrow"
)

const (
	namespace  = "escrow:balance"
	DefaultTTL = 30 * time.Second
)

// ErrMiss is returned by a KV when the key does not exist.
var ErrMiss = errors.New("cache miss")

// KV is the slice of a key-value store the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// BalanceSource is where balances come from on a miss.
type BalanceSource interface {
	GetBalance(ctx context.Context, userID escrow.UserID) (escrow.Balance, error)
}

// =============================================================================
// REDIS
// =============================================================================

// Redis adapts a go-redis client (single node or cluster) to KV.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to addrs. More than one address selects cluster mode.
func NewRedis(addrs []string, password string) *Redis {
	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
			DB:       0,
		})
	}
	return &Redis{client: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

type BalanceCache struct {
	escrow.NopObserver

	kv     KV
	source BalanceSource
	ttl    time.Duration
	logger *zap.Logger

	invalidations atomic.Uint64
}

func NewBalanceCache(kv KV, source BalanceSource, ttl time.Duration, logger *zap.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceCache{kv: kv, source: source, ttl: ttl, logger: logger}
}

func key(userID escrow.UserID) string {
	return namespace + ":" + string(userID)
}

// GetBalance serves from the cache, filling it from the source on a miss.
func (c *BalanceCache) GetBalance(ctx context.Context, userID escrow.UserID) (escrow.Balance, error) {
	raw, err := c.kv.Get(ctx, key(userID))
	if err == nil {
		var b escrow.Balance
		if err := json.Unmarshal([]byte(raw), &b); err == nil {
			return b, nil
		}
		c.logger.Warn("dropping undecodable cached balance", zap.String("user_id", string(userID)))
	} else if !errors.Is(err, ErrMiss) {
		c.logger.Warn("balance cache read failed", zap.String("user_id", string(userID)), zap.Error(err))
	}

	gen := c.invalidations.Load()
	b, err := c.source.GetBalance(ctx, userID)
	if err != nil {
		return escrow.Balance{}, err
	}
	c.fill(ctx, userID, b, gen)
	return b, nil
}

// fill stores b unless an invalidation happened since gen was read.
func (c *BalanceCache) fill(ctx context.Context, userID escrow.UserID, b escrow.Balance, gen uint64) {
	if c.invalidations.Load() != gen {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key(userID), string(data), c.ttl); err != nil {
		c.logger.Warn("balance cache write failed", zap.String("user_id", string(userID)), zap.Error(err))
		return
	}
	// An invalidation between the check and the write may have run its
	// delete before our set landed.
	if c.invalidations.Load() != gen {
		if err := c.kv.Delete(ctx, key(userID)); err != nil {
			c.logger.Warn("balance cache invalidation failed", zap.String("user_id", string(userID)), zap.Error(err))
		}
	}
}

// Invalidate drops the cached balances of userIDs.
func (c *BalanceCache) Invalidate(ctx context.Context, userIDs ...escrow.UserID) {
	c.invalidations.Add(1)
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, key(id))
	}
	if err := c.kv.Delete(ctx, keys...); err != nil {
		c.logger.Warn("balance cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (c *BalanceCache) TransactionCommitted(ctx context.Context, tx escrow.Transaction) {
	var ids []escrow.UserID
	for _, acct := range []escrow.AccountID{tx.From, tx.To} {
		if acct.IsUser() {
			ids = append(ids, escrow.UserID(acct))
		}
	}
	// ESCROW_HOLD and ESCROW_REFUND name only the buyer; the held side
	// lives on the same wallet so this already covers it.
	c.Invalidate(ctx, ids...)
}

func (c *BalanceCache) WalletStateChanged(ctx context.Context, userID escrow.UserID, _, _ escrow.WalletState) {
	c.Invalidate(ctx, userID)
}
