// Package ratelimit enforces per-client rate limits derived from the
// effective tool profile's triple: per-minute, per-hour and max-concurrent.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
)

// Limits is the rate-limit triple from an effective profile. Zero values
// mean unlimited for that dimension.
type Limits struct {
	PerMinute     int
	PerHour       int
	MaxConcurrent int
}

// clientLimiter holds the token buckets and concurrency gate for one client.
type clientLimiter struct {
	perMinute  *rate.Limiter
	perHour    *rate.Limiter
	concurrent chan struct{}
	limits     Limits
	lastSeen   time.Time
}

// Limiter tracks limiters per client id. Entries idle longer than the
// retention window are dropped on the next sweep.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	retention time.Duration
}

// NewLimiter returns an empty limiter registry.
func NewLimiter() *Limiter {
	return &Limiter{
		clients:   make(map[string]*clientLimiter),
		retention: time.Hour,
	}
}

// Acquire checks the client's buckets and reserves a concurrency slot.
// The returned release function must be called when the invocation ends;
// it is nil only when an error is returned.
func (l *Limiter) Acquire(clientID string, limits Limits) (release func(), err error) {
	entry := l.limiterFor(clientID, limits)

	if entry.perMinute != nil && !entry.perMinute.Allow() {
		return nil, errors.NewRateLimitedError("per-minute rate limit exceeded", nil).
			WithMetadata(map[string]any{"retry_after_s": 60})
	}
	if entry.perHour != nil && !entry.perHour.Allow() {
		return nil, errors.NewRateLimitedError("per-hour rate limit exceeded", nil).
			WithMetadata(map[string]any{"retry_after_s": 3600})
	}
	if entry.concurrent != nil {
		select {
		case entry.concurrent <- struct{}{}:
		default:
			return nil, errors.NewRateLimitedError("concurrency limit exceeded", nil).
				WithMetadata(map[string]any{"retry_after_s": 1})
		}
		return func() { <-entry.concurrent }, nil
	}
	return func() {}, nil
}

// limiterFor returns the client's limiter, rebuilding it when the profile's
// limits changed.
func (l *Limiter) limiterFor(clientID string, limits Limits) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[clientID]
	if !ok || entry.limits != limits {
		entry = &clientLimiter{limits: limits}
		if limits.PerMinute > 0 {
			entry.perMinute = rate.NewLimiter(rate.Limit(float64(limits.PerMinute)/60.0), limits.PerMinute)
		}
		if limits.PerHour > 0 {
			entry.perHour = rate.NewLimiter(rate.Limit(float64(limits.PerHour)/3600.0), limits.PerHour)
		}
		if limits.MaxConcurrent > 0 {
			entry.concurrent = make(chan struct{}, limits.MaxConcurrent)
		}
		l.clients[clientID] = entry
	}
	entry.lastSeen = time.Now()
	return entry
}

// Sweep drops limiters not seen within the retention window.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.retention)
	for clientID, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, clientID)
		}
	}
}
