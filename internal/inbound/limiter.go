// ABOUTME: Per-tenant token bucket limiting inbound event throughput
// ABOUTME: Bounded map of rate.Limiter keyed by tenant with idle pruning

package inbound

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedTenants caps the limiter map so rotating tenant ids cannot grow it
// without bound.
const maxTrackedTenants = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantLimiter applies one token bucket per tenant. Safe for concurrent use.
type TenantLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

// NewTenantLimiter creates a limiter allowing perSecond events with the given
// burst per tenant. perSecond <= 0 disables limiting.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &TenantLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
	}
}

// Allow reports whether tenantID may submit one more event now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	return l.AllowAt(tenantID, time.Now())
}

// AllowAt is Allow with an explicit clock.
func (l *TenantLimiter) AllowAt(tenantID string, now time.Time) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= maxTrackedTenants {
		l.pruneLocked(now)
	}

	e, ok := l.entries[tenantID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[tenantID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *TenantLimiter) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idle {
			delete(l.entries, k)
		}
	}
	// Hard eviction if still at cap
	for len(l.entries) >= maxTrackedTenants {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
