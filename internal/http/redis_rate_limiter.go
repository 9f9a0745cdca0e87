package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "devspace:ratelimit:"
	redisTimeout   = 250 * time.Millisecond
)

// redisRateLimiter shares budgets between API replicas. Each take is one
// MULTI round trip: INCR, EXPIRE NX and PTTL.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and verifies it answers.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger.With("component", "ratelimit"), now: time.Now}, nil
}

// Take fails open: an unreachable Redis never rejects a request.
func (rl *redisRateLimiter) Take(ctx context.Context, b rateBucket) rateDecision {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisTimeout)
	defer cancel()

	key := redisKeyPrefix + b.key
	var (
		used *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		used = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, b.window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", "bucket", b.key, "error", err)
		return rateDecision{allowed: true, remaining: b.limit}
	}

	left := ttl.Val()
	if left <= 0 {
		left = b.window
	}
	count := int(used.Val())
	return rateDecision{
		allowed:   count <= b.limit,
		remaining: max(b.limit-count, 0),
		resetAt:   rl.now().Add(left),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
