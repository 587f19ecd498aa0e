package service

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy is a bounded exponential backoff for store calls.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
	Cap        time.Duration
}

// backoff returns a fresh backoff; go-retry backoffs count attempts and must not be shared.
func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}
