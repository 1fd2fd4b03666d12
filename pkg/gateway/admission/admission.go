// Package admission decides whether a client may open a live connection.
// The Gate interface is the contract the WebSocket handler consults; the
// Limiter is the in-process implementation, a per-principal token bucket
// for connection attempts plus a concurrent-session cap. A remote
// implementation can replace it behind the same interface.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an admission check. A granted Permit must be
// released when the connection ends.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Permit            *Permit
}

type Gate interface {
	Check(identity string, now time.Time) Decision
}

// PrincipalKeyFromAPIKey derives a stable, non-reversible principal key.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

// PrincipalKeyFromIP buckets unauthenticated clients by source address.
func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Config struct {
	// ConnectionsPerSecond and Burst bound the rate of new connections per
	// principal. Zero disables the bucket.
	ConnectionsPerSecond float64
	Burst                int

	// MaxConcurrentConnections caps simultaneously open connections per
	// principal. Zero disables the cap.
	MaxConcurrentConnections int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	connSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rate     float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

func (l *Limiter) Check(identity string, now time.Time) Decision {
	if identity == "" {
		identity = "anonymous"
	}

	pl := l.getOrCreate(identity, now)
	pl.touch(now)

	if l.cfg.ConnectionsPerSecond > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := pl.allowToken(now, l.cfg.ConnectionsPerSecond, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfterSeconds: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentConnections > 0 {
		select {
		case pl.connSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-pl.connSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfterSeconds: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func (l *Limiter) getOrCreate(identity string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory beats
		// perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if pl, ok := l.m[identity]; ok {
		return pl
	}
	pl := &principalLimiter{
		connSem:  make(chan struct{}, max(1, l.cfg.MaxConcurrentConnections)),
		lastSeen: now,
	}
	l.m[identity] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.lastSeen = now
}

func (pl *principalLimiter) allowToken(now time.Time, rate float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if burst <= 0 || rate <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if pl.tb.capacity == 0 {
		pl.tb = tokenBucket{
			rate:     rate,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	pl.tb.rate = rate
	pl.tb.capacity = capacity

	elapsed := now.Sub(pl.tb.last).Seconds()
	if elapsed > 0 {
		pl.tb.tokens = math.Min(pl.tb.capacity, pl.tb.tokens+(elapsed*pl.tb.rate))
		pl.tb.last = now
	}

	if pl.tb.tokens >= 1.0 {
		pl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - pl.tb.tokens
	seconds := needed / pl.tb.rate
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// AllowAll admits everything; used when admission is disabled by config.
type AllowAll struct{}

func (AllowAll) Check(string, time.Time) Decision {
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}
