package connectivity

import (
	"context"
	"sync"
	"time"
)

// Breaker trips after a run of consecutive failures and refuses calls
// for a cooldown. Once the cooldown is over a single probe goes through:
// success resets the breaker, failure starts another cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probing   bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Open reports whether calls are currently refused.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

// acquire reports whether a call may go out, and until when it is
// refused otherwise.
func (b *Breaker) acquire() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true, time.Time{}
	}
	if b.now().Before(b.openUntil) || b.probing {
		return false, b.openUntil
	}
	b.probing = true
	return true, time.Time{}
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if !failed {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}
	b.failures++
	if b.failures >= b.threshold || !b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// release ends a probe the caller abandoned without judging the service.
func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// WithBreaker guards next with b. Only Retryable errors count as
// failures: a rejected password says nothing about the service health.
func WithBreaker(b *Breaker, service string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ok, until := b.acquire()
			if !ok {
				return nil, &CircuitOpenError{Service: service, Until: until}
			}
			resp, err := next(ctx, payload)
			if err != nil && ctx.Err() != nil {
				b.release()
				return resp, err
			}
			b.record(Retryable(err))
			return resp, err
		}
	}
}
