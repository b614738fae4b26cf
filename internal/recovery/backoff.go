package recovery

import "time"

// Backoff computes capped exponential delays between recovery attempts:
// delay = min(Max, Base * 2^attempt).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the standard recovery backoff.
var DefaultBackoff = Backoff{Base: 1 * time.Second, Max: 60 * time.Second}

// RateLimitBackoff uses a larger base: provider rate limits need longer
// cooldowns than transient connection failures.
var RateLimitBackoff = Backoff{Base: 5 * time.Second, Max: 60 * time.Second}

// Delay returns the delay before the given attempt. It is non-decreasing in
// attempt and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
