package graph

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amonhq/amon/internal/model"
)

// retryBackoff implements backoff.BackOff with the runtime's retry curve:
// backoff_s * 2^(attempt-1) plus uniform jitter in [0, jitter_s]. Attempt
// counting is owned by the caller via MaxAttempts; once exhausted,
// NextBackOff returns Stop.
type retryBackoff struct {
	policy  model.RetryPolicy
	attempt int
}

func newRetryBackoff(policy model.RetryPolicy) *retryBackoff {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &retryBackoff{policy: policy}
}

func (b *retryBackoff) Reset() { b.attempt = 0 }

func (b *retryBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	base := b.policy.BackoffS * float64(int64(1)<<uint(b.attempt-1))
	jitter := 0.0
	if b.policy.JitterS > 0 {
		jitter = rand.Float64() * b.policy.JitterS
	}
	return time.Duration((base + jitter) * float64(time.Second))
}

var _ backoff.BackOff = (*retryBackoff)(nil)
