// Package middleware carries the HTTP cross-cutting layers: API key
// authentication, per-identity rate limiting, CORS, and request logging.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

// Bucket is one identity's counters: a sliding minute window plus a UTC
// calendar-day quota.
type Bucket struct {
	WindowStart   time.Time `json:"window_start"`
	MinuteCount   int       `json:"minute_count"`
	DayKey        string    `json:"day_key"`
	DayCount      int       `json:"day_count"`
	MinuteLimit   int       `json:"minute_limit"`
	DailyLimit    int       `json:"daily_limit"`
	LastDeniedRef string    `json:"last_denied_ref,omitempty"`
}

// Limits is one tier's thresholds.
type Limits struct {
	MinutePerKey int
	DayPerKey    int
}

var rateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payfabric_rate_limit_denied_total",
	Help: "Requests denied by the rate limiter.",
}, []string{"tier"})

// RateLimiter enforces per-identity request quotas. Buckets live in memory
// behind a mutex and are checkpointed to the entity store so that limits
// survive a restart.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket

	standard Limits
	admin    Limits
	store    store.Store
	logger   *log.Logger
	now      func() time.Time
}

// NewRateLimiter creates the limiter. s may be nil (no checkpointing).
func NewRateLimiter(standard, admin Limits, s store.Store) *RateLimiter {
	if standard.MinutePerKey <= 0 {
		standard.MinutePerKey = 20
	}
	if standard.DayPerKey <= 0 {
		standard.DayPerKey = 1000
	}
	if admin.MinutePerKey <= 0 {
		admin.MinutePerKey = standard.MinutePerKey * 10
	}
	if admin.DayPerKey <= 0 {
		admin.DayPerKey = standard.DayPerKey * 10
	}
	return &RateLimiter{
		buckets:  make(map[string]*Bucket),
		standard: standard,
		admin:    admin,
		store:    s,
		logger:   log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait after a denial.
	RetryAfter time.Duration
}

// CheckAndIncrement applies the quota for one identity. Minute windows
// slide from first request; the daily quota resets on the UTC date. The
// admin tier counts against its own bucket, so operator traffic never eats
// an identity's standard quota.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, admin bool) Decision {
	limits := rl.standard
	tier := "standard"
	if admin {
		limits = rl.admin
		tier = "admin"
		key += ":admin"
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	today := now.Format("2006-01-02")

	b, ok := rl.buckets[key]
	if !ok {
		b = rl.load(ctx, key)
		if b == nil {
			b = &Bucket{WindowStart: now, DayKey: today}
		}
		rl.buckets[key] = b
	}
	b.MinuteLimit = limits.MinutePerKey
	b.DailyLimit = limits.DayPerKey

	if now.Sub(b.WindowStart) >= time.Minute {
		b.WindowStart = now
		b.MinuteCount = 0
	}
	if b.DayKey != today {
		b.DayKey = today
		b.DayCount = 0
	}

	if b.MinuteCount >= limits.MinutePerKey || b.DayCount >= limits.DayPerKey {
		retry := b.WindowStart.Add(time.Minute).Sub(now)
		if retry < 0 {
			retry = 0
		}
		rateLimitDenied.WithLabelValues(tier).Inc()
		rl.checkpoint(ctx, key, b)
		return Decision{Allowed: false, RetryAfter: retry}
	}

	b.MinuteCount++
	b.DayCount++
	rl.checkpoint(ctx, key, b)
	return Decision{Allowed: true}
}

// load pulls a checkpointed bucket after a restart.
func (rl *RateLimiter) load(ctx context.Context, key string) *Bucket {
	if rl.store == nil {
		return nil
	}
	var b Bucket
	if err := store.GetJSON(ctx, rl.store, store.KindBucket, key, &b); err != nil {
		return nil
	}
	return &b
}

func (rl *RateLimiter) checkpoint(ctx context.Context, key string, b *Bucket) {
	if rl.store == nil {
		return
	}
	if err := store.PutJSON(ctx, rl.store, store.KindBucket, key, b); err != nil {
		rl.logger.Printf("checkpoint bucket %s failed: %v", key, err)
	}
}

// Middleware applies the standard tier keyed by authenticated agent when
// present, falling back to the remote address. Denials answer 429 with
// Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return rl.limit(next, false)
}

// AdminMiddleware applies the admin tier. Operator surfaces (dead letter
// queue, transaction log) ride on it.
func (rl *RateLimiter) AdminMiddleware(next http.Handler) http.Handler {
	return rl.limit(next, true)
}

func (rl *RateLimiter) limit(next http.Handler, admin bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if agent := AgentFrom(r.Context()); agent != "" {
			key = agent
		}

		d := rl.CheckAndIncrement(r.Context(), key, admin)
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			apierr.WriteHTTP(w, apierr.Newf(apierr.CodeRateLimited,
				"rate limit exceeded, retry in %s", d.RetryAfter.Round(time.Second)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
