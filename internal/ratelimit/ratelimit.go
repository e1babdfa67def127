// Package ratelimit throttles inbound events per connection with a token
// bucket.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

type Verdict int

const (
	Accept Verdict = iota
	Drop
	Disconnect
)

// Guard tracks one connection's rate-limit violations. Events over the limit
// are dropped; once the violation count passes maxViolations the connection
// should be closed. A Guard belongs to a single reader goroutine.
type Guard struct {
	limiter       *Limiter
	violations    int
	maxViolations int
}

func NewGuard(rate float64, burst, maxViolations int) *Guard {
	return &Guard{limiter: NewLimiter(rate, burst), maxViolations: maxViolations}
}

func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Accept
	}
	g.violations++
	if g.maxViolations > 0 && g.violations > g.maxViolations {
		return Disconnect
	}
	return Drop
}

// Violations reports how many events have been refused so far.
func (g *Guard) Violations() int { return g.violations }
