package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BurstLimitMiddleware smooths per-caller request spikes ahead of the
// durable hourly quota. This is an in-memory convenience, not the
// quota of record: restarts reset it, the rate_windows store does not.
type BurstLimitMiddleware struct {
	perSecond int
	limiters  map[string]*limiterEntry
	mu        sync.RWMutex
}

type limiterEntry struct {
	limiter *rate.Limiter

	// lastSeen is unix nanos, updated on every hit while other
	// goroutines hold the same entry.
	lastSeen atomic.Int64
}

func (e *limiterEntry) touch() {
	e.lastSeen.Store(time.Now().UnixNano())
}

// NewBurstLimitMiddleware creates the middleware; perSecond <= 0
// disables it.
func NewBurstLimitMiddleware(perSecond int) *BurstLimitMiddleware {
	m := &BurstLimitMiddleware{
		perSecond: perSecond,
		limiters:  make(map[string]*limiterEntry),
	}

	if perSecond > 0 {
		go m.cleanupLimiters()
	}

	return m
}

// Limit enforces the per-caller burst ceiling.
func (m *BurstLimitMiddleware) Limit(next http.Handler) http.Handler {
	if m.perSecond <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil {
			respondError(w, http.StatusInternalServerError, codeInternalError,
				"caller not resolved")
			return
		}

		if !m.getLimiter(principal.Name).Allow() {
			respondError(w, http.StatusTooManyRequests, codeRateLimitExceeded,
				"too many requests, slow down")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getLimiter gets or creates a rate limiter for a caller
func (m *BurstLimitMiddleware) getLimiter(name string) *rate.Limiter {
	m.mu.RLock()
	entry, exists := m.limiters[name]
	m.mu.RUnlock()

	if exists {
		entry.touch()
		return entry.limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := m.limiters[name]; exists {
		entry.touch()
		return entry.limiter
	}

	entry = &limiterEntry{
		limiter: rate.NewLimiter(rate.Limit(m.perSecond), m.perSecond*2),
	}
	entry.touch()
	m.limiters[name] = entry

	return entry.limiter
}

// cleanupLimiters drops limiters for callers not seen recently.
func (m *BurstLimitMiddleware) cleanupLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-15 * time.Minute).UnixNano()
		m.mu.Lock()
		for name, entry := range m.limiters {
			if entry.lastSeen.Load() < cutoff {
				delete(m.limiters, name)
			}
		}
		m.mu.Unlock()
	}
}
