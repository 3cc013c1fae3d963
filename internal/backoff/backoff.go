// Package backoff maps attempt counts to retry delays. Which policy
// applies is decided by the caller from the provider error class.
package backoff

import (
	"math/rand"
	"time"
)

// Policy returns the delay before the next attempt. attempt is the
// number of attempts already made, starting at 1.
type Policy interface {
	Next(attempt int) time.Duration
}

// Schedule is an escalating fixed table indexed by attempt; attempts
// past the end reuse the last entry.
type Schedule []time.Duration

func (s Schedule) Next(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[i]
}

// DefaultSchedule is the outbound-job retry table.
var DefaultSchedule = Schedule{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// Fixed returns the same delay for every attempt. Used for rate-limited
// errors, which never terminalize on their own.
type Fixed time.Duration

func (f Fixed) Next(int) time.Duration { return time.Duration(f) }

// Exponential is base·2^(attempt-1) capped at Max, plus up to 10%
// random jitter.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.Max {
			d = e.Max
			break
		}
	}
	if d > e.Max {
		d = e.Max
	}
	if d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}
