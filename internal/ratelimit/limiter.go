package ratelimit

import (
	"fmt"
	"time"
)

// Limits is the execution-frequency budget attached to a rule.
// Zero values mean unlimited.
type Limits struct {
	MaxPerDay   int
	MinInterval time.Duration
}

// Limiter decides whether an execution attempt fits within its budget.
// It holds no counters of its own: the persisted entity carries them, so a
// restart cannot reset spent budget. The clock is injected for tests.
type Limiter struct {
	nowFn func() time.Time
}

func New() *Limiter {
	return &Limiter{nowFn: time.Now}
}

func NewWithClock(nowFn func() time.Time) *Limiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{nowFn: nowFn}
}

// Allow reports whether another execution is permitted given the entity's
// counters. The reason is human-readable and only set on denial.
func (l *Limiter) Allow(limits Limits, todayCount int, lastExecutedAt *time.Time) (bool, string) {
	if limits.MaxPerDay > 0 && todayCount >= limits.MaxPerDay {
		return false, fmt.Sprintf("今日已执行 %d 次，达到上限 %d", todayCount, limits.MaxPerDay)
	}
	if limits.MinInterval > 0 && lastExecutedAt != nil && !lastExecutedAt.IsZero() {
		elapsed := l.nowFn().Sub(*lastExecutedAt)
		if elapsed < limits.MinInterval {
			return false, fmt.Sprintf("距上次执行仅 %s，最小间隔 %s", elapsed.Truncate(time.Second), limits.MinInterval)
		}
	}
	return true, ""
}

// WithinWindow reports whether now falls inside a validity window.
// A zero bound is open on that side.
func (l *Limiter) WithinWindow(validFrom, validUntil time.Time) bool {
	now := l.nowFn()
	if !validFrom.IsZero() && now.Before(validFrom) {
		return false
	}
	if !validUntil.IsZero() && now.After(validUntil) {
		return false
	}
	return true
}
