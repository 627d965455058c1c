// Package backoff computes retry delays.
package backoff

import "time"

// Exponential yields min(2^attempt * Base, Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if e.Base <= 0 {
		return 0
	}
	d := e.Base
	for i := 0; i < attempt; i++ {
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		// overflow guard
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
