// Package ratelimiter enforces per-API-key request limits using a
// sliding window estimated from two fixed windows.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a single rate limit check. A denied result
// carries the full window as RetryAfter.
type Result struct {
	Allowed    bool
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// slidingWindowScript estimates the request rate over a sliding window
// by weighting the previous fixed window's count with the fraction of
// it still inside the sliding window, then adding the current count.
const slidingWindowScript = `
local current_key = KEYS[1]
local previous_key = KEYS[2]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local elapsed = tonumber(ARGV[3])

local prev = tonumber(redis.call("GET", previous_key) or "0")
local cur = tonumber(redis.call("GET", current_key) or "0")

local weight = (window - elapsed) / window
if weight < 0 then
  weight = 0
end

if prev * weight + cur >= limit then
  return 0
end

cur = redis.call("INCR", current_key)
if cur == 1 then
  redis.call("EXPIRE", current_key, window * 2)
end
return 1
`

// SlidingLimiter counts requests in Redis so the limit holds across
// replicas. When Redis is unreachable the same math runs on a local
// in-process counter so a cache outage degrades accuracy, not
// availability.
type SlidingLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	script *redis.Script

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	windowStart int64
	prev        int
	cur         int
}

// NewSlidingLimiter builds a limiter allowing limit requests per
// window. rdb may be nil; the limiter then runs purely in-process.
func NewSlidingLimiter(rdb *redis.Client, limit int, window time.Duration) *SlidingLimiter {
	return &SlidingLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		script: redis.NewScript(slidingWindowScript),
		local:  make(map[string]*localWindow),
	}
}

// Allow records one request for key and reports whether it fits the
// limit.
func (l *SlidingLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	res := Result{Limit: l.limit, Window: l.window}
	if l.limit <= 0 {
		res.Allowed = true
		return res, nil
	}

	windowSec := int64(l.window / time.Second)
	bucket := now.Unix() / windowSec
	elapsed := now.Unix() % windowSec

	if l.rdb != nil {
		currentKey := fmt.Sprintf("rate:%s:%d", key, bucket)
		previousKey := fmt.Sprintf("rate:%s:%d", key, bucket-1)
		raw, err := l.script.Run(ctx, l.rdb, []string{currentKey, previousKey},
			l.limit, windowSec, elapsed).Int()
		if err == nil {
			res.Allowed = raw == 1
			if !res.Allowed {
				res.RetryAfter = l.window
			}
			return res, nil
		}
		slog.Warn("rate limiter falling back to local counters",
			slog.String("key", key), slog.Any("error", err))
	}

	res.Allowed = l.allowLocal(key, bucket, elapsed, windowSec)
	if !res.Allowed {
		res.RetryAfter = l.window
	}
	return res, nil
}

func (l *SlidingLimiter) allowLocal(key string, bucket, elapsed, windowSec int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.local[key]
	if !ok {
		w = &localWindow{windowStart: bucket}
		l.local[key] = w
	}
	switch {
	case bucket == w.windowStart+1:
		w.prev, w.cur = w.cur, 0
		w.windowStart = bucket
	case bucket > w.windowStart+1:
		w.prev, w.cur = 0, 0
		w.windowStart = bucket
	}

	weight := float64(windowSec-elapsed) / float64(windowSec)
	if float64(w.prev)*weight+float64(w.cur) >= float64(l.limit) {
		return false
	}
	w.cur++
	return true
}
