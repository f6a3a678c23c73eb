package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff returns the delay after the k-th failed attempt:
// min(base * 2^(k-1), max), scaled by a random factor in [0.5, 1.0) when
// jitter is enabled. Jitter spreads retry storms without ever dropping a
// delay below half its nominal value.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.cfg.BackoffBase()) * math.Pow(2, float64(attempt-1)))
	if max := p.cfg.BackoffMax(); delay > max || delay <= 0 {
		delay = max
	}
	if p.cfg.BackoffJitter {
		delay = time.Duration(float64(delay) * (0.5 + 0.5*rand.Float64()))
	}
	return delay
}
