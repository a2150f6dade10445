// Package backoff implements the retry schedule used for dependency errors
// in §7: base delay, exponential factor, a cap, and symmetric jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces successive retry delays: base, base*factor, base*factor^2, ...
// capped at Max, each perturbed by ±Jitter (a fraction of the delay).
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // e.g. 0.25 for ±25%
	attempt int
}

// New returns a Backoff with the pod's default dependency-retry schedule:
// base 100ms, factor 2, cap 5s, jitter ±25%.
func New() *Backoff {
	return &Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.25}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(b.Base)
	for i := 0; i < b.attempt; i++ {
		d *= factor
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	b.attempt++
	return jitter(time.Duration(d), b.Jitter)
}

// Reset clears the attempt counter so the next call starts from Base again.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta // uniform in [-delta, +delta]
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
