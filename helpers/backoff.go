package helpers

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

const (
	DefaultBackoffMin    = 1 * time.Second
	DefaultBackoffMax    = 2 * time.Minute
	DefaultBackoffK      = 2
	DefaultBackoffJitter = 0.1
)

// Limited exponential backoff for reconnect delays.
// Next() = min(Min * K^failures, Max), Reset() returns it to Min.
// Delay() applies random downward jitter to Next() so that many devices
// failing at once do not retry in sync.
// Failure() saturates once unjittered Next() reaches Max, only Next() is non-decreasing.
// Jitter is clamped so that K*(1-Jitter) > 1: while Next() grows by full K steps,
// a jittered delay is always longer than any jittered delay of the previous step.
// At Max, and on a partial last step to Max, consecutive jittered delays may go down.
type Backoff struct {
	failures int32 // atomic

	Min    time.Duration
	Max    time.Duration
	K      float32
	Jitter float32       // fraction of delay, 0.1 spreads delays over 90%-100% of Next()
	Res    time.Duration // delay resolution for nice logs, default=1ms

	// Random returns [0,1), default math/rand.Float64. Tests replace it.
	Random func() float64
}

func NewBackoff(min, max time.Duration, k, jitter float32) *Backoff {
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max < min {
		max = min
	}
	if k <= 1 {
		k = DefaultBackoffK
	}
	return &Backoff{Min: min, Max: max, K: k, Jitter: jitter}
}

func (b *Backoff) Failures() int { return int(atomic.LoadInt32(&b.failures)) }

// Computed delay before next attempt, without jitter.
func (b *Backoff) Next() time.Duration { return b.next(b.Failures()) }

// Jittered delay before next attempt, in [Next()*(1-Jitter), Next()].
func (b *Backoff) Delay() time.Duration {
	next := b.Next()
	j := b.jitter()
	if j == 0 {
		return next
	}
	random := b.Random
	if random == nil {
		random = rand.Float64
	}
	return b.round(time.Duration(float64(next) * (1 - j*random())))
}

// Increase Next() by K, up to Max.
func (b *Backoff) Failure() {
	for {
		n := atomic.LoadInt32(&b.failures)
		if b.next(int(n)) >= b.Max {
			return
		}
		if atomic.CompareAndSwapInt32(&b.failures, n, n+1) {
			return
		}
	}
}

func (b *Backoff) Reset() { atomic.StoreInt32(&b.failures, 0) }

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) String() string {
	return fmt.Sprintf("failures=%d next=%s", b.Failures(), b.Next())
}

func (b *Backoff) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(b.Failures()))
	return buf, nil
}

func (b *Backoff) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.NotValidf("backoff state length=%d", len(data))
	}
	n := int32(binary.BigEndian.Uint32(data))
	if n < 0 {
		return errors.NotValidf("backoff failures=%d", n)
	}
	atomic.StoreInt32(&b.failures, 0)
	for i := int32(0); i < n; i++ {
		before := b.Failures()
		b.Failure()
		if b.Failures() == before {
			break // saturated
		}
	}
	return nil
}

func (b *Backoff) next(n int) time.Duration {
	d := float64(b.Min)
	k := b.k()
	for i := 0; i < n && d < float64(b.Max); i++ {
		d *= k
	}
	return b.limit(time.Duration(d))
}

func (b *Backoff) jitter() float64 {
	j := float64(b.Jitter)
	if j <= 0 {
		return 0
	}
	k := b.k()
	if k*(1-j) <= 1 {
		j = (1 - 1/k) / 2
	}
	return j
}

func (b *Backoff) k() float64 {
	if b.K <= 1 {
		return DefaultBackoffK
	}
	return float64(b.K)
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
