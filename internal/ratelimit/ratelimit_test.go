package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/elib/internal/ipchecker"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestRedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindow(mr.Addr(), "", "test", 2, time.Minute)
	require.NoError(t, err)
	defer limiter.Close()

	at := time.Date(2025, 1, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = fixedClock(at)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.False(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.2"), "counters are per key")

	keys := mr.Keys()
	require.Len(t, keys, 2)
	assert.Positive(t, mr.TTL(keys[0]))

	limiter.now = fixedClock(at.Add(time.Minute))
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"), "a new window starts from zero")
}

func TestRedisFixedWindowFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindow(mr.Addr(), "", "", 5, time.Minute)
	require.NoError(t, err)
	defer limiter.Close()

	mr.Close()

	assert.False(t, limiter.Allow(context.Background(), "10.0.0.1"))
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := NewRedisFixedWindow("localhost:6379", "", "", 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = NewRedisFixedWindow(" ", "", "", 1, time.Minute)
	assert.Error(t, err)

	_, err = NewMemoryFixedWindow(1, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestMemoryFixedWindow(t *testing.T) {
	limiter, err := NewMemoryFixedWindow(2, time.Minute)
	require.NoError(t, err)

	at := time.Date(2025, 1, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = fixedClock(at)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "a"))
	assert.True(t, limiter.Allow(ctx, "a"))
	assert.False(t, limiter.Allow(ctx, "a"))
	assert.True(t, limiter.Allow(ctx, "b"))

	limiter.now = fixedClock(at.Add(time.Minute))
	assert.True(t, limiter.Allow(ctx, "c"))
	assert.Len(t, limiter.counters, 1, "finished windows are evicted")
	assert.True(t, limiter.Allow(ctx, "a"))
}

func TestMiddleware(t *testing.T) {
	limiter, err := NewMemoryFixedWindow(1, time.Hour)
	require.NoError(t, err)
	checker, err := ipchecker.New("")
	require.NoError(t, err)

	handler := Middleware(limiter, checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "/api/users/login", nil)
		request.RemoteAddr = ip + ":52000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	assert.Equal(t, http.StatusNoContent, send("192.168.1.10").Code)

	rejected := send("192.168.1.10")
	assert.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.JSONEq(t, `{"message":"Too many requests"}`, rejected.Body.String())

	assert.Equal(t, http.StatusNoContent, send("192.168.1.11").Code)
}

func TestMiddlewareIgnoresForwardedHeaders(t *testing.T) {
	limiter, err := NewMemoryFixedWindow(2, time.Hour)
	require.NoError(t, err)
	checker, err := ipchecker.New("")
	require.NoError(t, err)

	handler := Middleware(limiter, checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	allowed := 0
	for i := 0; i < 50; i++ {
		request := httptest.NewRequest(http.MethodPost, "/api/users/login", nil)
		request.RemoteAddr = "203.0.113.7:52000"
		request.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		request.Header.Set("X-Real-IP", fmt.Sprintf("10.1.0.%d", i))
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code == http.StatusNoContent {
			allowed++
		}
	}

	assert.Equal(t, 2, allowed)
}
