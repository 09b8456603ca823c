package core

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff computes retry delays of Base * 2^attempts, capped at Max.
// The delay never decreases as attempts grow.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// shifting past 62 overflows; go-retry clamps to MaxInt64 anyway.
const maxShift = 62

// Delay returns the wait before the attempt that follows `attempts` finished attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxShift {
		attempts = maxShift
	}

	var bo retry.Backoff = retry.NewExponential(b.Base)
	if b.Max > 0 {
		bo = retry.WithCappedDuration(b.Max, bo)
	}

	var d time.Duration
	for i := 0; i <= attempts; i++ {
		d, _ = bo.Next()
	}
	return d
}
