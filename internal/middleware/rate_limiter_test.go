package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/store"
)

func TestMinuteWindowBoundary(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(Limits{MinutePerKey: 20, DayPerKey: 1000}, Limits{}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		d := rl.CheckAndIncrement(ctx, "agent-1", false)
		require.True(t, d.Allowed, "request %d should pass", i+1)
	}

	// 21st within the window is denied with a bounded Retry-After.
	d := rl.CheckAndIncrement(ctx, "agent-1", false)
	assert.False(t, d.Allowed)
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	// After the window slides, requests pass again.
	now = now.Add(61 * time.Second)
	d = rl.CheckAndIncrement(ctx, "agent-1", false)
	assert.True(t, d.Allowed)
}

func TestDailyQuotaResetsOnUTCDate(t *testing.T) {
	now := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	rl := NewRateLimiter(Limits{MinutePerKey: 1000, DayPerKey: 5}, Limits{}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, rl.CheckAndIncrement(ctx, "agent-1", false).Allowed)
		now = now.Add(time.Second)
	}
	assert.False(t, rl.CheckAndIncrement(ctx, "agent-1", false).Allowed)

	// Midnight rolls the day key.
	now = now.Add(2 * time.Minute)
	assert.True(t, rl.CheckAndIncrement(ctx, "agent-1", false).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(Limits{MinutePerKey: 1, DayPerKey: 10}, Limits{}, nil)
	ctx := context.Background()

	assert.True(t, rl.CheckAndIncrement(ctx, "a", false).Allowed)
	assert.False(t, rl.CheckAndIncrement(ctx, "a", false).Allowed)
	assert.True(t, rl.CheckAndIncrement(ctx, "b", false).Allowed)
}

func TestAdminTierGetsOwnLimits(t *testing.T) {
	rl := NewRateLimiter(Limits{MinutePerKey: 1, DayPerKey: 10}, Limits{MinutePerKey: 3, DayPerKey: 30}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, rl.CheckAndIncrement(ctx, "admin-key", true).Allowed)
	}
	assert.False(t, rl.CheckAndIncrement(ctx, "admin-key", true).Allowed)
}

func TestAdminMiddlewareUsesAdminBucket(t *testing.T) {
	rl := NewRateLimiter(Limits{MinutePerKey: 1, DayPerKey: 10}, Limits{MinutePerKey: 3, DayPerKey: 30}, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	standard := rl.Middleware(ok)
	admin := rl.AdminMiddleware(ok)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/escrow/deadletter", nil)
		return req.WithContext(WithAgent(req.Context(), "agent-1"))
	}

	// Exhaust the standard tier for this identity.
	rec := httptest.NewRecorder()
	standard.ServeHTTP(rec, newReq())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	standard.ServeHTTP(rec, newReq())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The admin tier counts against its own bucket with its own limits.
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		admin.ServeHTTP(rec, newReq())
		require.Equal(t, http.StatusOK, rec.Code, "admin request %d", i+1)
	}
	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBucketsSurviveRestartViaStore(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	first := NewRateLimiter(Limits{MinutePerKey: 2, DayPerKey: 100}, Limits{}, s).WithClock(clock)
	require.True(t, first.CheckAndIncrement(ctx, "agent-1", false).Allowed)
	require.True(t, first.CheckAndIncrement(ctx, "agent-1", false).Allowed)

	// A fresh limiter over the same store picks up the counters.
	second := NewRateLimiter(Limits{MinutePerKey: 2, DayPerKey: 100}, Limits{}, s).WithClock(clock)
	assert.False(t, second.CheckAndIncrement(ctx, "agent-1", false).Allowed)
}

func TestMiddlewareAnswers429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(Limits{MinutePerKey: 1, DayPerKey: 10}, Limits{}, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req = req.WithContext(WithAgent(req.Context(), "agent-1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.LessOrEqual(t, retryAfter, 60)
}
