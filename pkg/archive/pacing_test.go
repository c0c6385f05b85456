package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func TestRedisLimiterSharesWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &RedisConfig{Addr: mr.Addr(), Key: "test:limit", Limit: 2, WindowSeconds: 3600}
	first := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})
	a := newRedisLimiter(first, cfg)
	b := newRedisLimiter(second, cfg)

	ctx := context.Background()
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := a.Wait(timeoutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Wait got=%v want deadline exceeded", err)
	}

	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "test:limit:") {
		t.Fatalf("unexpected keys %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 {
		t.Fatalf("window key has no expiry")
	}
}

func TestNewLimiter(t *testing.T) {
	ctx := context.Background()
	local, closeFn, err := newLimiter(ctx, &PacingConfig{RequestsPerSecond: 5}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newLimiter: %v", err)
	}
	if _, ok := local.(*rate.Limiter); !ok {
		t.Fatalf("got %T want *rate.Limiter", local)
	}
	if err = closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mr := miniredis.RunT(t)
	shared, closeFn, err := newLimiter(ctx, &PacingConfig{Redis: RedisConfig{Addr: mr.Addr()}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newLimiter with redis: %v", err)
	}
	defer closeFn()
	if _, ok := shared.(multiLimiter); !ok {
		t.Fatalf("got %T want multiLimiter", shared)
	}
	if err = shared.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	addr := mr.Addr()
	mr.Close()
	if _, _, err = newLimiter(ctx, &PacingConfig{Redis: RedisConfig{Addr: addr}}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}
