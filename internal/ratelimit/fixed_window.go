package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter limits requests per key in a fixed time window, shared
// across service instances through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client redis.Scripter
	prefix string
}

// NewFixedWindowLimiter builds a limiter on an existing Redis client.
func NewFixedWindowLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookbuddy:ratelimit"
	}
	return &FixedWindowLimiter{limit: limit, window: window, client: client, prefix: prefix}, nil
}

// NewRedisFixedWindowLimiter dials Redis at addr and builds a limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewFixedWindowLimiter(client, prefix, limit, window)
}

// Allow returns true when key is within quota. Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	count, err := CountInWindow(ctx, l.client, l.prefix+":"+key, l.window)
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}

// CountInWindow increments the counter for key in the current fixed window
// and returns the new count. The window slot is appended to key.
func CountInWindow(ctx context.Context, client redis.Scripter, key string, window time.Duration) (int64, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return 0, errors.New("window must be at least a millisecond")
	}
	slot := time.Now().UTC().UnixMilli() / windowMs
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return fixedWindowScript.Run(ctx, client, []string{fmt.Sprintf("%s:%d", key, slot)}, windowMs).Int64()
}

// RetryAfter is the longest a rejected caller has to wait.
func (l *FixedWindowLimiter) RetryAfter() time.Duration {
	if l == nil {
		return 0
	}
	return l.window
}
