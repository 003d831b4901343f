package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool          // Whether the request is allowed
	Count      int64         // Current count in the window
	Limit      int64         // The limit that was checked
	RetryAfter time.Duration // Time until the window resets (0 if allowed)
}

// Limiter counts requests in fixed windows using Redis + Lua
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a new rate limiter with embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// Allow counts one request of subject against rule
func (l *Limiter) Allow(ctx context.Context, rule Rule, subject string) (*Result, error) {
	key := rule.Key(subject)

	// Run Lua script atomically
	raw, err := l.script.Run(ctx, l.redis, []string{key}, rule.Limit, rule.Window.Milliseconds()).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// {allowed, current_count, limit, retry_after_ms}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected script result format: %v", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result value at %d: %v", i, v)
		}
		ints[i] = n
	}

	result := &Result{
		Allowed:    ints[0] == 1,
		Count:      ints[1],
		Limit:      ints[2],
		RetryAfter: time.Duration(ints[3]) * time.Millisecond,
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.Count,
			"limit", result.Limit,
			"retry_after", result.RetryAfter)
	} else {
		l.logger.Debug("rate limit check passed",
			"key", key,
			"current", result.Count,
			"limit", result.Limit)
	}

	return result, nil
}
