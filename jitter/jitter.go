// Package jitter spreads delays randomly around a nominal value. Every paced
// wait in swarmbot that should not look machine-regular uses the same policy: a
// uniform spread of a fixed fraction either side of the requested delay.
package jitter

import (
	"math/rand/v2"
	"time"
)

// DefaultFraction is the spread used for bulk creation and login pacing.
const DefaultFraction = 0.2

// Source returns a float in [0, 1).
type Source func() float64

// Spread returns d moved uniformly within [d*(1-fraction), d*(1+fraction)].
func Spread(d time.Duration, fraction float64) time.Duration {
	return SpreadWith(rand.Float64, d, fraction)
}

func SpreadWith(src Source, d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	offset := (src()*2 - 1) * fraction * float64(d)
	return d + time.Duration(offset)
}

// Bounds returns the smallest and largest values Spread can return.
func Bounds(d time.Duration, fraction float64) (time.Duration, time.Duration) {
	if d <= 0 || fraction <= 0 {
		return d, d
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := time.Duration(fraction * float64(d))
	return d - spread, d + spread
}
