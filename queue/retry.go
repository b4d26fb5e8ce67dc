package queue

import "time"

// RetryPolicy controls the retry budget stamped onto new tasks and the
// exponential backoff applied between retries.
type RetryPolicy struct {
	// MaxRetries is the default retry budget for tasks enqueued without one.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier grows the delay after every retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the default retry policy: three retries
// gated at 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the availability delay before retry number retryCount
// (1-based). The first retry waits InitialBackoff; each further retry
// multiplies by BackoffMultiplier, capped at MaxBackoff.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount <= 1 {
		return p.InitialBackoff
	}
	backoff := float64(p.InitialBackoff)
	for i := 1; i < retryCount; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(backoff)
}
