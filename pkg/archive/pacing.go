package archive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter paces requests to the client. Wait blocks until a request may be
// made or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

type multiLimiter []Limiter

func (ml multiLimiter) Wait(ctx context.Context) error {
	for _, l := range ml {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// redisLimiter is a fixed-window counter shared by every process pointing
// at the same key, so several archives on one account share the budget.
type redisLimiter struct {
	rdb    redis.UniversalClient
	key    string
	limit  int64
	window time.Duration
}

func newRedisLimiter(rdb redis.UniversalClient, cfg *RedisConfig) *redisLimiter {
	return &redisLimiter{
		rdb:    rdb,
		key:    cfg.GetKey(),
		limit:  int64(cfg.GetLimit()),
		window: cfg.GetWindow(),
	}
}

func (rl *redisLimiter) Wait(ctx context.Context) error {
	for {
		windowStart := time.Now().Truncate(rl.window)
		key := rl.key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
		n, err := rl.rdb.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to increment rate limit counter: %w", err)
		}
		if n == 1 {
			if err = rl.rdb.Expire(ctx, key, 2*rl.window).Err(); err != nil {
				return fmt.Errorf("failed to set rate limit counter expiry: %w", err)
			}
		}
		if n <= rl.limit {
			return nil
		}
		timer := time.NewTimer(time.Until(windowStart.Add(rl.window)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// newLimiter builds the local token bucket and, if a redis address is
// configured, the shared window on top of it. The returned close function
// releases the redis connection.
func newLimiter(ctx context.Context, cfg *PacingConfig, log zerolog.Logger) (Limiter, func() error, error) {
	local := rate.NewLimiter(rate.Limit(cfg.GetRequestsPerSecond()), cfg.GetBurst())
	if cfg.Redis.Addr == "" {
		return local, func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().
		Str("addr", cfg.Redis.Addr).
		Int("limit", cfg.Redis.GetLimit()).
		Stringer("window", cfg.Redis.GetWindow()).
		Msg("Using shared request limit")
	return multiLimiter{local, newRedisLimiter(rdb, &cfg.Redis)}, rdb.Close, nil
}
