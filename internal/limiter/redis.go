package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "linkgate:rl"

// RedisLimiter shares window counters between instances. Each window is a
// counter key with a TTL; an exceeded window also sets a block key with the
// remaining TTL so IsBlocked works without knowing the threshold.
type RedisLimiter struct {
	client  redis.Cmdable
	prefix  string
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRedisLimiter creates a limiter backed by client. m may be nil.
func NewRedisLimiter(client redis.Cmdable, m *metrics.Metrics) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		prefix:  defaultKeyPrefix,
		metrics: m,
		now:     time.Now,
	}
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Unavailable("redis ping", err)
	}
	return client, nil
}

func (r *RedisLimiter) counterKey(identifier, action string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, action, identifier)
}

func (r *RedisLimiter) blockKey(identifier, action string) string {
	return fmt.Sprintf("%s:block:%s:%s", r.prefix, action, identifier)
}

// CheckAndConsume increments the window counter, starts its TTL if the key is
// new and reads both TTLs in one MULTI/EXEC. PEXPIRE NX needs Redis 7. Backend
// failures surface as DependencyUnavailableError.
func (r *RedisLimiter) CheckAndConsume(ctx context.Context, identifier, action string, maxAttempts int, window time.Duration) (models.RateLimitDecision, error) {
	now := r.now()
	counter := r.counterKey(identifier, action)
	block := r.blockKey(identifier, action)

	var incr *redis.IntCmd
	var counterTTL, blockTTL *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		blockTTL = pipe.PTTL(ctx, block)
		incr = pipe.Incr(ctx, counter)
		// go-redis has no PExpireNX; ExpireNX would round the window to seconds.
		pipe.Do(ctx, "pexpire", counter, window.Milliseconds(), "NX")
		counterTTL = pipe.PTTL(ctx, counter)
		return nil
	})
	if err != nil {
		r.record(action, "error")
		return models.RateLimitDecision{}, errors.Unavailable("rate limit check", err)
	}

	if ttl := blockTTL.Val(); ttl > 0 {
		r.record(action, "denied")
		return models.RateLimitDecision{Allowed: false, Remaining: 0, ResetAt: now.Add(ttl)}, nil
	}

	ttl := counterTTL.Val()
	if ttl <= 0 {
		ttl = window
	}
	resetAt := now.Add(ttl)

	count := int(incr.Val())
	if count > maxAttempts {
		if err := r.client.SetNX(ctx, block, "1", ttl).Err(); err != nil {
			r.record(action, "error")
			return models.RateLimitDecision{}, errors.Unavailable("rate limit block", err)
		}
		r.record(action, "denied")
		return models.RateLimitDecision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	r.record(action, "allowed")
	return models.RateLimitDecision{Allowed: true, Remaining: maxAttempts - count, ResetAt: resetAt}, nil
}

// BlockFor sets the block key for d.
func (r *RedisLimiter) BlockFor(ctx context.Context, identifier, action string, d time.Duration) error {
	if err := r.client.Set(ctx, r.blockKey(identifier, action), "1", d).Err(); err != nil {
		return errors.Unavailable("rate limit block", err)
	}
	return nil
}

// IsBlocked reports whether the block key is present. Redis expires it.
func (r *RedisLimiter) IsBlocked(ctx context.Context, identifier, action string) (bool, error) {
	n, err := r.client.Exists(ctx, r.blockKey(identifier, action)).Result()
	if err != nil {
		return false, errors.Unavailable("rate limit lookup", err)
	}
	return n > 0, nil
}

// Reset removes the counter and block keys.
func (r *RedisLimiter) Reset(ctx context.Context, identifier, action string) error {
	if err := r.client.Del(ctx, r.counterKey(identifier, action), r.blockKey(identifier, action)).Err(); err != nil {
		return errors.Unavailable("rate limit reset", err)
	}
	return nil
}

func (r *RedisLimiter) record(action, result string) {
	if r.metrics != nil {
		r.metrics.RecordRateLimitDecision(action, result)
	}
}
