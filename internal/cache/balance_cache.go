package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// generationTTL outlives any read that could still be holding a generation.
const generationTTL = 24 * time.Hour

// Entry is the result of a cache read. On a miss Generation is the owner's
// eviction generation seen by the read and must be handed back to Fill.
type Entry struct {
	Balance    decimal.Decimal
	Hit        bool
	Generation int64
}

// BalanceCache holds read-side copies of account balances keyed by owner.
type BalanceCache interface {
	Get(ctx context.Context, ownerID int64) (Entry, error)
	// Fill stores balance only if the owner has not been evicted since the
	// read that returned gen. It reports whether the entry was written.
	Fill(ctx context.Context, ownerID, gen int64, balance decimal.Decimal) (bool, error)
	// Evict drops the entry and bumps the owner's generation.
	Evict(ctx context.Context, ownerID int64) error
}

// Writes KEYS[1] only while KEYS[2] still holds the generation in ARGV[1].
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisBalanceCache stores balances as decimal strings under "<prefix>:<ownerID>"
// and eviction generations under "<prefix>:<ownerID>:gen".
type RedisBalanceCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisBalanceCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBalanceCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "accountBalance"
	}
	return &RedisBalanceCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisBalanceCache) key(ownerID int64) string {
	return fmt.Sprintf("%s:%d", c.prefix, ownerID)
}

func (c *RedisBalanceCache) genKey(ownerID int64) string {
	return c.key(ownerID) + ":gen"
}

func (c *RedisBalanceCache) Get(ctx context.Context, ownerID int64) (Entry, error) {
	vals, err := c.client.MGet(ctx, c.key(ownerID), c.genKey(ownerID)).Result()
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	if raw, ok := vals[1].(string); ok {
		gen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("corrupt cache generation for owner %d: %w", ownerID, err)
		}
		entry.Generation = gen
	}

	raw, ok := vals[0].(string)
	if !ok {
		return entry, nil
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		// Unparseable entries are dropped so the next read repopulates them.
		_ = c.client.Del(ctx, c.key(ownerID)).Err()
		return entry, nil
	}
	entry.Balance = balance
	entry.Hit = true
	return entry, nil
}

func (c *RedisBalanceCache) Fill(ctx context.Context, ownerID, gen int64, balance decimal.Decimal) (bool, error) {
	written, err := fillScript.Run(ctx, c.client,
		[]string{c.key(ownerID), c.genKey(ownerID)},
		strconv.FormatInt(gen, 10), balance.StringFixed(2), c.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

func (c *RedisBalanceCache) Evict(ctx context.Context, ownerID int64) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(ownerID))
		pipe.Expire(ctx, c.genKey(ownerID), generationTTL)
		pipe.Del(ctx, c.key(ownerID))
		return nil
	})
	return err
}
