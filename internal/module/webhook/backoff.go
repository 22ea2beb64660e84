package webhook

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes retry delays: exponential in the attempt count,
// capped, with uniform jitter so retry storms do not converge.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// Next returns the delay before the attempt following the given attempt
// count: min(cap, base * 2^attempts) + random(0, jitter).
func (p BackoffPolicy) Next(attempts int) time.Duration {
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 { // <= 0 guards shift overflow
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}
