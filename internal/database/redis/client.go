// Package redis caches the live challenge and enforces per-authority
// contribute rate limits.
package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/orepool/internal/pool"
)

const currentChallengeKey = "orepool:challenge:current"

// ErrCacheMiss is returned when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the pool.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects and pings Redis.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// CachedChallenge is the JSON form of a challenge in the cache.
type CachedChallenge struct {
	RoundID       uint64    `json:"round_id"`
	Target        string    `json:"target"`
	MinDifficulty uint32    `json:"min_difficulty"`
	StartedAt     time.Time `json:"started_at"`
}

// NewCachedChallenge converts a challenge to its cached form.
func NewCachedChallenge(ch pool.Challenge) CachedChallenge {
	return CachedChallenge{
		RoundID:       ch.RoundID,
		Target:        hex.EncodeToString(ch.Target[:]),
		MinDifficulty: ch.MinDifficulty,
		StartedAt:     ch.StartedAt,
	}
}

// Challenge converts the cached form back.
func (cc CachedChallenge) Challenge() (pool.Challenge, error) {
	ch := pool.Challenge{RoundID: cc.RoundID, MinDifficulty: cc.MinDifficulty, StartedAt: cc.StartedAt}
	raw, err := hex.DecodeString(cc.Target)
	if err != nil || len(raw) != len(ch.Target) {
		return ch, fmt.Errorf("malformed cached target %q", cc.Target)
	}
	copy(ch.Target[:], raw)
	return ch, nil
}

// SetCurrentChallenge caches the live challenge. A zero ttl keeps it until
// replaced.
func (c *Client) SetCurrentChallenge(ctx context.Context, ch pool.Challenge, ttl time.Duration) error {
	data, err := json.Marshal(NewCachedChallenge(ch))
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := c.rdb.Set(ctx, currentChallengeKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set current challenge: %w", err)
	}
	return nil
}

// GetCurrentChallenge returns the cached challenge or ErrCacheMiss.
func (c *Client) GetCurrentChallenge(ctx context.Context) (pool.Challenge, error) {
	data, err := c.rdb.Get(ctx, currentChallengeKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pool.Challenge{}, ErrCacheMiss
		}
		return pool.Challenge{}, fmt.Errorf("failed to get current challenge: %w", err)
	}

	var cc CachedChallenge
	if err := json.Unmarshal(data, &cc); err != nil {
		return pool.Challenge{}, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return cc.Challenge()
}

// RateLimitKey returns the per-second counter key of an authority.
func RateLimitKey(authority pool.Pubkey, now time.Time) string {
	return fmt.Sprintf("orepool:rl:%s:%d", authority, now.Unix())
}

// CheckRateLimit increments the counter at key and reports whether it is
// still within limit.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incrCmd.Val() <= limit, nil
}

// AllowContribution applies the per-second limit for an authority.
func (c *Client) AllowContribution(ctx context.Context, authority pool.Pubkey, limit int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	return c.CheckRateLimit(ctx, RateLimitKey(authority, time.Now()), limit, 2*time.Second)
}
