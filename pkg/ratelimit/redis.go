package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis counts in a shared Redis; when Redis fails it degrades to a
// per-process count rather than rejecting traffic.
type Redis struct {
	client   *redis.Client
	limit    int
	window   time.Duration
	prefix   string
	fallback *Memory
	logger   *zap.Logger
}

func NewRedis(client *redis.Client, limit int, every time.Duration, logger *zap.Logger) *Redis {
	fallback := NewMemory(limit, every)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		limit:    fallback.limit,
		window:   fallback.window,
		prefix:   "rl:intake:",
		fallback: fallback,
		logger:   logger,
	}
}

func (l *Redis) Allow(ctx context.Context, key string) Decision {
	if l.client == nil {
		return l.fallback.Allow(ctx, key)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		l.logger.Warn("rate limit store unavailable, counting locally", zap.Error(err))
		return l.fallback.Allow(ctx, key)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.window
	}
	return decide(int(res[0]), l.limit, time.Now().UTC().Add(ttl))
}
