// Package atomic_clock is convenient API around atomic int64 system clock.
// Use for time accounting like "since last received byte". Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func source() int64 { return time.Now().UnixNano() }

func (c *Clock) get() int64 { return atomic.LoadInt64(&c.v) }

func (c *Clock) IsZero() bool        { return c.get() == 0 }
func (c *Clock) Reset()              { atomic.StoreInt64(&c.v, 0) }
func (c *Clock) SetNow()             { atomic.StoreInt64(&c.v, source()) }
func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.v, t.UnixNano()) }
func (c *Clock) Time() time.Time     { return time.Unix(0, c.get()) }
func (c *Clock) UnixNano() int64     { return c.get() }

// Sub returns c-begin.
func (c *Clock) Sub(begin *Clock) time.Duration { return time.Duration(c.get() - begin.get()) }

func New(v int64) *Clock { return &Clock{v: v} }
func Now() *Clock       { return New(source()) }

// Since returns time passed after begin, or 0 if begin is zero.
func Since(begin *Clock) time.Duration {
	b := begin.get()
	if b == 0 {
		return 0
	}
	return time.Duration(source() - b)
}

// Latest returns the most recent of clocks.
func Latest(cs ...*Clock) *Clock {
	var max int64
	for _, c := range cs {
		if v := c.get(); v > max {
			max = v
		}
	}
	return New(max)
}
