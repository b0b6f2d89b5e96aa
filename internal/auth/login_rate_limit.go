package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"store-auth/internal/observability"
)

// LoginRateLimiter throttles login attempts per client IP using the
// store's sliding window, so the limit holds across instances.
type LoginRateLimiter struct {
	store   Store
	maxHits int
	window  time.Duration
	now     func() time.Time
}

func NewLoginRateLimiter(store Store, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginRateLimiter{store: store, maxHits: maxHits, window: window, now: time.Now}
}

// WithClock swaps the time source used for the sliding window.
func (l *LoginRateLimiter) WithClock(clock func() time.Time) *LoginRateLimiter {
	l.now = clock
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)
		now := l.now().UTC()

		allowed, retryAfter, err := l.store.AllowLoginIP(r.Context(), ip, l.maxHits, l.window, now)
		if err != nil {
			// Fail open: a broken limiter must not take logins down.
			sentry.CaptureException(err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}
