package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of taking one token from a fixed window.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time left until the window reopens.
	Reset time.Duration
}

type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

type RateLimitOptions struct {
	// Key picks the bucket for a request; ClientIP when nil.
	Key    func(*http.Request) string
	Logger *slog.Logger
	// FailOpen lets requests through when the limiter itself errors.
	FailOpen bool
}

// RateLimit rejects requests over the limiter's budget with 429 and reports
// the remaining budget on every response.
func RateLimit(l Limiter, opts RateLimitOptions) Middleware {
	key := opts.Key
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Take(r.Context(), key(r))
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.Warn("rate limiter error", "err", err, "fail_open", opts.FailOpen)
				}
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.Reset.Seconds())+1))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter is an in-process fixed-window limiter. State is per instance,
// so it only suits a single replica or a local agent.
type MemoryLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	limit, window = normalizeBudget(limit, window)
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

func (ml *MemoryLimiter) Take(_ context.Context, key string) (Decision, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	b := ml.buckets[key]
	if b == nil || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(ml.window)}
		ml.buckets[key] = b
		ml.evictExpired(now)
	}
	d := Decision{Limit: ml.limit, Reset: b.resetAt.Sub(now)}
	if b.count >= ml.limit {
		return d, nil
	}
	b.count++
	d.Allowed = true
	d.Remaining = ml.limit - b.count
	return d, nil
}

func (ml *MemoryLimiter) evictExpired(now time.Time) {
	if len(ml.buckets) < 1024 {
		return
	}
	for k, b := range ml.buckets {
		if !now.Before(b.resetAt) {
			delete(ml.buckets, k)
		}
	}
}

func normalizeBudget(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}

// ClientIP is the first X-Forwarded-For hop, or the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
