package models

import (
	"time"
)

// RateLimitRule is the threshold configuration for one bucket
type RateLimitRule struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// RateLimitBucket is a decaying attempt counter for one (action, key)
type RateLimitBucket struct {
	Action          string
	Key             string
	Attempts        int
	WindowStartedAt time.Time
	LockedUntil     *time.Time
}

// IsLocked reports whether the bucket is locked out at the given instant
func (b *RateLimitBucket) IsLocked(now time.Time) bool {
	return b.LockedUntil != nil && now.Before(*b.LockedUntil)
}

// RetryAfter returns the remaining lockout duration, or zero
func (b *RateLimitBucket) RetryAfter(now time.Time) time.Duration {
	if !b.IsLocked(now) {
		return 0
	}
	return b.LockedUntil.Sub(now)
}

// Decayed reports whether the counter no longer carries any state: the window
// elapsed without a lockout, or a lockout ran out.
func (b *RateLimitBucket) Decayed(now time.Time, rule RateLimitRule) bool {
	if b.LockedUntil != nil {
		return !now.Before(*b.LockedUntil)
	}
	return b.Attempts == 0 || !now.Before(b.WindowStartedAt.Add(rule.Window))
}

// Hit records one attempt. It returns true only on the transition into
// lockout, so callers can notify exactly once per lockout.
func (b *RateLimitBucket) Hit(now time.Time, rule RateLimitRule) bool {
	if b.Decayed(now, rule) {
		b.Attempts = 0
		b.WindowStartedAt = now
		b.LockedUntil = nil
	}

	b.Attempts++

	if b.LockedUntil == nil && rule.MaxAttempts > 0 && b.Attempts >= rule.MaxAttempts {
		lockedUntil := now.Add(rule.Lockout)
		b.LockedUntil = &lockedUntil
		return true
	}
	return false
}

// Release gives back one attempt of the current window. A lockout is lifted
// only when the released attempt is the one that started it. It reports
// whether a count was returned.
func (b *RateLimitBucket) Release(now time.Time, rule RateLimitRule, startedLockout bool) bool {
	if b.Attempts == 0 || b.Decayed(now, rule) {
		return false
	}
	if b.LockedUntil != nil {
		if !startedLockout {
			return false
		}
		b.LockedUntil = nil
	}
	b.Attempts--
	return true
}
