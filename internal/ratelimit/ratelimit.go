// Package ratelimit limits requests per client in fixed time windows.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
)

// ErrInvalidLimit is returned for a non positive limit or window.
var ErrInvalidLimit = errors.New("rate limiter requires positive limit and window")

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter decides whether one more request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RedisFixedWindow shares counters between instances through Redis.
type RedisFixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	client *redis.Client
	prefix string
}

// NewRedisFixedWindow creates a Redis-backed limiter.
func NewRedisFixedWindow(addr, password, prefix string, limit int, window time.Duration) (*RedisFixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "elib:ratelimit"
	}

	return &RedisFixedWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Allow fails closed: a Redis error rejects the request.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) bool {
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		logger.Log.Errorw("rate limiter redis error", "error", err)
		return false
	}

	return count <= int64(l.limit)
}

// Close releases the Redis connection pool.
func (l *RedisFixedWindow) Close() error {
	return l.client.Close()
}

type counter struct {
	slot  int64
	count int
}

// MemoryFixedWindow keeps counters in process memory.
type MemoryFixedWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string]*counter
}

func NewMemoryFixedWindow(limit int, window time.Duration) (*MemoryFixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}

	return &MemoryFixedWindow{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: map[string]*counter{},
	}, nil
}

func (l *MemoryFixedWindow) Allow(_ context.Context, key string) bool {
	slot := l.now().UnixNano() / int64(l.window)
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || c.slot != slot {
		if !ok && len(l.counters) > 0 {
			l.evict(slot)
		}
		c = &counter{slot: slot}
		l.counters[key] = c
	}
	c.count++

	return c.count <= l.limit
}

// evict drops counters of finished windows.
func (l *MemoryFixedWindow) evict(slot int64) {
	for key, c := range l.counters {
		if c.slot != slot {
			delete(l.counters, key)
		}
	}
}

type clientIPResolver interface {
	GetClientIP(request *http.Request) (net.IP, error)
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func Middleware(limiter Limiter, resolver clientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "unknown"
			if ip, err := resolver.GetClientIP(r); err == nil && ip != nil {
				key = ip.String()
			}

			if !limiter.Allow(r.Context(), key) {
				logger.Log.Infow("rate limit exceeded", "client_ip", key, "uri", r.RequestURI)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(models.MessageResponse{Message: "Too many requests"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func normalizeKey(key string) string {
	if key = strings.TrimSpace(key); key == "" {
		return "unknown"
	}
	return key
}
