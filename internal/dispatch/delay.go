package dispatch

import (
	"math/rand/v2"
	"time"
)

// Delay describes the pause between two consecutive sends
type Delay struct {
	Base   time.Duration
	Spread time.Duration // uniform jitter of +/- Spread around Base
}

// Fixed returns a delay without jitter
func Fixed(d time.Duration) Delay {
	return Delay{Base: d}
}

// Jitter returns base +/- spread
func Jitter(base, spread time.Duration) Delay {
	return Delay{Base: base, Spread: spread}
}

// Between returns a delay uniform in [min, max]
func Between(min, max time.Duration) Delay {
	if max < min {
		min, max = max, min
	}
	return Delay{Base: (min + max) / 2, Spread: (max - min) / 2}
}

// MaxDelay caps user supplied delays
const MaxDelay = 24 * time.Hour

// Seconds converts a user supplied seconds value into a fixed delay.
// Values above MaxDelay are clamped to it.
func Seconds(s float64) Delay {
	if s <= 0 {
		return Fixed(0)
	}
	if s >= MaxDelay.Seconds() {
		return Fixed(MaxDelay)
	}
	return Fixed(time.Duration(s * float64(time.Second)))
}

// Next picks the next wait duration. Never negative.
func (d Delay) Next() time.Duration {
	if d.Spread <= 0 {
		if d.Base < 0 {
			return 0
		}
		return d.Base
	}
	offset := time.Duration(rand.Int64N(int64(2*d.Spread)+1)) - d.Spread
	next := d.Base + offset
	if next < 0 {
		return 0
	}
	return next
}

// Min returns the lower bound of the delay
func (d Delay) Min() time.Duration {
	if d.Base-d.Spread < 0 {
		return 0
	}
	return d.Base - d.Spread
}

// Max returns the upper bound of the delay
func (d Delay) Max() time.Duration {
	if d.Base+d.Spread < 0 {
		return 0
	}
	return d.Base + d.Spread
}
