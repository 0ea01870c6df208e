package httpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleExpiry      = 10 * time.Minute
)

// LimitReason describes why a WebSocket connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits guards /ws with three checks: a connection attempt rate per IP,
// a process-wide cap on open connections and a cap on open connections per IP.
type ConnectionLimits struct {
	clock clockwork.Clock

	globalMax int64
	global    atomic.Int64

	mu        sync.Mutex
	perIPMax  int
	perIP     map[string]int
	rate      rate.Limit
	burst     int
	limiters  map[string]*rateEntry
	cleanupAt time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(clock clockwork.Clock, globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		globalMax: globalMax,
		perIPMax:  perIPMax,
		perIP:     make(map[string]int),
		rate:      rate.Limit(connectionsPerSecond),
		burst:     burst,
		limiters:  make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(rateLimiterCleanupInterval),
	}
}

// Acquire reserves a connection slot for ip. On success the caller must Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	// Check rate limit first (cheapest check)
	if !l.allow(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.perIPMax {
		l.global.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

// Release frees the slot reserved by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if count := l.perIP[ip]; count > 1 {
		l.perIP[ip] = count - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	l.global.Add(-1)
}

// Current returns the number of open connections.
func (l *ConnectionLimits) Current() int64 {
	return l.global.Load()
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.global.Load()
		if current >= l.globalMax {
			return false
		}
		if l.global.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-rateLimiterIdleExpiry)
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.cleanupAt = now.Add(rateLimiterCleanupInterval)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
