// Package ratelimit implements the per-source token bucket of spec §4.3:
// every connector source gets its own bucket, callers block in FIFO order
// on contention, and a 429 response drains the bucket and re-arms it no
// sooner than the server's Retry-After.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits configures one source's bucket: RequestsPerSecond is the
// steady-state rate, Burst is the bucket capacity.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter multiplexes token buckets across source keys ("connectorInstanceID:sourceKey").
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limits  map[string]Limits

	defaultLimits Limits
}

// New creates a Limiter. defaultLimits apply to any source key that
// hasn't been configured explicitly via Configure.
func New(defaultLimits Limits) *Limiter {
	return &Limiter{
		buckets:       make(map[string]*rate.Limiter),
		limits:        make(map[string]Limits),
		defaultLimits: defaultLimits,
	}
}

// Configure sets explicit Limits for sourceKey, replacing the default.
func (l *Limiter) Configure(sourceKey string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[sourceKey] = limits
	delete(l.buckets, sourceKey) // re-created lazily with the new limits
}

// Wait blocks until sourceKey's bucket has a token to spend, or ctx is
// done. Waiters are served in the order golang.org/x/time/rate's internal
// reservation queue admits them, which is FIFO by arrival.
func (l *Limiter) Wait(ctx context.Context, sourceKey string) error {
	return l.bucket(sourceKey).Wait(ctx)
}

// Drain empties sourceKey's bucket and, when retryAfter is positive,
// prevents any token from being available again until that long has
// passed — the behavior spec §4.3 requires on receiving a 429.
func (l *Limiter) Drain(sourceKey string, retryAfter time.Duration) {
	b := l.bucket(sourceKey)
	// Reserving the full burst forces the bucket empty; if it already
	// can't grant the reservation immediately it still records the debt,
	// which is what we want: subsequent Wait calls block.
	reservation := b.ReserveN(time.Now(), b.Burst())
	if !reservation.OK() {
		return
	}
	if retryAfter > 0 {
		delay := reservation.DelayFrom(time.Now())
		if delay < retryAfter {
			// Cancel and re-reserve won't lengthen an x/time/rate delay
			// directly, so instead push the limiter's notion of "now"
			// forward by reserving additional tokens equivalent to the
			// gap between what it already computed and what the server
			// actually asked for.
			extra := retryAfter - delay
			tokensForExtra := extra.Seconds() * float64(b.Limit())
			// ReserveN refuses any n above the burst size, so the debt is
			// taken in burst-sized pieces.
			burst := b.Burst()
			for remaining := int(tokensForExtra) + 1; tokensForExtra > 0 && burst > 0 && remaining > 0; remaining -= burst {
				b.ReserveN(time.Now(), min(remaining, burst))
			}
		}
	}
}

func (l *Limiter) bucket(sourceKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[sourceKey]; ok {
		return b
	}

	lim := l.defaultLimits
	if configured, ok := l.limits[sourceKey]; ok {
		lim = configured
	}

	b := rate.NewLimiter(rate.Limit(lim.RequestsPerSecond), lim.Burst)
	l.buckets[sourceKey] = b

	return b
}
