package executor

import "time"

// RetryPolicy computes the delay before the next attempt of a failed job:
// min(Max, Base * 2^(attempt-1)).
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy starts at 30s and caps at 30m.
var DefaultRetryPolicy = RetryPolicy{Base: 30 * time.Second, Max: 30 * time.Minute}

// Delay returns the backoff for a job that has made attempt attempts so far.
// Attempts below 1 are treated as 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		// Doubling past half the cap would only be clamped, and may overflow.
		if d > p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
