// Package limiter implements the global leaky-bucket rate gate described
// on top of golang.org/x/time/rate, the same building block
// the pack's server-side bandwidth manager (justinlime/GileBrowser) uses
// to enforce a shared, reconfigurable byte-rate cap.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

const oneMiB = 1 << 20

// Limiter gates byte admission through a token bucket. A zero-value
// Limiter (or one constructed with rate <= 0) is a no-op, admitting any n
// immediately: a zero or negative rate means "no limit configured".
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter refilling at ratePerSec bytes/sec with a burst of
// max(ratePerSec/2, 1 MiB). ratePerSec <= 0 means unlimited.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{}
	}
	burst := ratePerSec / 2
	if burst < oneMiB {
		burst = oneMiB
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), int(burst))}
}

// Unlimited returns a Limiter that never blocks.
func Unlimited() *Limiter { return &Limiter{} }

// WaitN blocks until n bytes are available, then admits them. A request
// larger than the bucket's burst size is admitted in burst-sized pieces,
// since x/time/rate rejects requests for more tokens than the burst allows.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.rl == nil {
		return nil
	}
	burst := l.rl.Burst()
	for n > burst {
		if err := l.rl.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	if n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}

// SetRate reconfigures the bucket's refill rate and recomputed burst,
// used when bandwidth_limit is adjusted at runtime.
func (l *Limiter) SetRate(ratePerSec float64) {
	if l == nil {
		return
	}
	if ratePerSec <= 0 {
		l.rl = nil
		return
	}
	burst := ratePerSec / 2
	if burst < oneMiB {
		burst = oneMiB
	}
	if l.rl == nil {
		l.rl = rate.NewLimiter(rate.Limit(ratePerSec), int(burst))
		return
	}
	l.rl.SetLimit(rate.Limit(ratePerSec))
	l.rl.SetBurst(int(burst))
}

// Unbounded reports whether this Limiter admits freely.
func (l *Limiter) Unbounded() bool {
	return l == nil || l.rl == nil
}
