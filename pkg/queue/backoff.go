package queue

import "time"

// RetryPolicy computes the exponential backoff between attempts:
//
//	delay = min(BaseDelay * 2^retryCount, MaxDelay)
//
// With the defaults this is min(60 * 2^n, 3600) seconds.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the backoff for the given retry count, already incremented
// for the attempt being scheduled.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
