package chat

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base*2^(attempt-1), Max), stretched
// by a random factor in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0,1); nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff is used when Options.Backoff is left zero.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}

// Delay returns the wait before retry number attempt (1-based). The result is
// never negative and never exceeds Max*(1+Jitter).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	ceiling := b.Max
	if ceiling < base {
		ceiling = base
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}
	if j := b.Jitter; j > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		d += d * j * r()
	}
	return time.Duration(d)
}

// Ceiling is the capped delay without jitter.
func (b Backoff) Ceiling() time.Duration {
	if b.Max < b.Base {
		return b.Base
	}
	return b.Max
}
