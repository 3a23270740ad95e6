// Package store wires the shared fast key-value store used by the
// admission controller and cache-affinity manager. It wraps go-redis/v8,
// exposing only the handful of atomic primitives those two components
// need.
package store

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/logger"
)

// Client wraps *redis.Client with the counter/lease primitives the
// admission controller and affinity manager need. With a nil *redis.Client
// (Redis disabled) Enabled reports false and Close is a no-op; the counter
// and JSON methods need a live connection, so callers check Enabled and
// run their own per-process fallback, which is not safe across replicas.
type Client struct {
	rdb *redis.Client
}

// New connects to RedisURL, or returns a Client with no backing Redis if
// the URL is empty — the controller then runs the per-process fallback.
func New(ctx context.Context) (*Client, error) {
	if config.RedisURL == "" {
		logger.Info("redis url not configured, admission/affinity state is per-process only")
		return &Client{}, nil
	}

	opt, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if config.RequireRedis {
			return nil, errors.Wrap(err, "redis ping failed and REQUIRE_REDIS=true")
		}
		logger.Error("redis unreachable, degrading to per-process counters", zap.Error(err))
		return &Client{}, nil
	}
	return &Client{rdb: rdb}, nil
}

// Enabled reports whether a live Redis connection backs this Client.
func (c *Client) Enabled() bool {
	return c != nil && c.rdb != nil
}

// NewWithClient wraps an already-constructed *redis.Client, used by tests
// to point the store at a miniredis instance instead of parsing RedisURL.
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// IncrWithTTL atomically increments key, setting ttl only on the first
// increment (so a counter window doesn't get its expiry pushed back every
// request), and returns the post-increment value.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	script := redis.NewScript(`
		local v = redis.call("INCR", KEYS[1])
		if v == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return v
	`)
	v, err := script.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "incr with ttl %s", key)
	}
	return v, nil
}

// Decr atomically decrements key, used to release a concurrency slot. It
// never drops key below 0.
func (c *Client) Decr(ctx context.Context, key string) error {
	script := redis.NewScript(`
		local v = tonumber(redis.call("GET", KEYS[1]) or "0")
		if v > 0 then
			redis.call("DECR", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, c.rdb, []string{key}).Err(); err != nil && err != redis.Nil {
		return errors.Wrapf(err, "decr %s", key)
	}
	return nil
}

// Get returns the integer value at key, or 0 if absent.
func (c *Client) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

// SetJSON stores an arbitrary JSON-encodable value with a TTL, used by the
// affinity manager's L2 tier.
func (c *Client) SetJSON(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrapf(c.rdb.Set(ctx, key, value, ttl).Err(), "set %s", key)
}

// GetJSON reads back a value stored via SetJSON, returning (nil, nil) on a
// cache miss.
func (c *Client) GetJSON(ctx context.Context, key string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get json %s", key)
	}
	return v, nil
}

// Delete removes key, used for affinity invalidation.
func (c *Client) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(c.rdb.Del(ctx, key).Err(), "delete %s", key)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
