// Package ratelimit enforces the minimum interval between AI requests. The
// limiter is an injectable component owned by whoever wires the process;
// production creates exactly one instance, tests create their own.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// CooldownLimiter allows one request per cooldown interval, process-wide.
// There is no queueing: denied callers get a wait hint and retry on their own.
// The read-then-advance of the underlying token bucket is atomic with respect
// to concurrent callers, so two callers inside one cooldown window can never
// both be allowed.
type CooldownLimiter struct {
	lim      *rate.Limiter
	cooldown time.Duration
}

// DefaultCooldown is the production minimum interval between AI requests.
const DefaultCooldown = 5 * time.Second

// NewCooldownLimiter creates a limiter with the given interval. The first
// acquisition always succeeds.
func NewCooldownLimiter(cooldown time.Duration) *CooldownLimiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CooldownLimiter{
		lim:      rate.NewLimiter(rate.Every(cooldown), 1),
		cooldown: cooldown,
	}
}

// TryAcquire returns (true, 0) and advances the last-accepted timestamp when
// the cooldown has elapsed. Otherwise it returns (false, remaining) without
// consuming anything, so a denied caller does not push the window further out.
func (l *CooldownLimiter) TryAcquire() (bool, time.Duration) {
	r := l.lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Cooldown returns the configured interval.
func (l *CooldownLimiter) Cooldown() time.Duration {
	return l.cooldown
}
