package client

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base·2^attempt, Max) plus a random
// jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: time.Second}
}

// Delay is the deterministic part of the schedule with an explicit jitter.
func (b Backoff) Delay(attempt int, jitter time.Duration) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d + jitter
}

func (b Backoff) next(attempt int) time.Duration {
	var j time.Duration
	if b.Jitter > 0 {
		j = time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return b.Delay(attempt, j)
}
