// Package jitter randomizes order sizes and loop cadence within configured bounds.
package jitter

import (
	"math/rand"
	"sync"
	"time"
)

// Jitter draws uniform multipliers from an injectable source.
type Jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New wraps rng; a nil source is seeded from the clock.
func New(rng *rand.Rand) *Jitter {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Jitter{rng: rng}
}

// Seeded is shorthand for New(rand.New(rand.NewSource(seed))).
func Seeded(seed int64) *Jitter {
	return New(rand.New(rand.NewSource(seed)))
}

// Factor returns 1 + U(-pct, pct).
func (j *Jitter) Factor(pct float64) float64 {
	if pct <= 0 {
		return 1
	}
	j.mu.Lock()
	u := j.rng.Float64()
	j.mu.Unlock()
	return 1 + (2*u-1)*pct
}

// Size scales size by Factor(pct), never returning less than zero.
func (j *Jitter) Size(size, pct float64) float64 {
	out := size * j.Factor(pct)
	if out < 0 {
		return 0
	}
	return out
}

// Delay scales d by Factor(pct), never returning less than zero.
func (j *Jitter) Delay(d time.Duration, pct float64) time.Duration {
	out := time.Duration(float64(d) * j.Factor(pct))
	if out < 0 {
		return 0
	}
	return out
}
