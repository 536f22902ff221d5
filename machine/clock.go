package machine

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Clock is the time source of the periodic tick and the APIC timer.
type Clock interface {
	Now() time.Time
}

// MonotonicClock reads CLOCK_MONOTONIC, which does not jump with host
// wall-clock changes.
type MonotonicClock struct{}

func (MonotonicClock) Now() time.Time {
	var ts unix.Timespec

	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}

	return time.Unix(ts.Unix())
}

// ManualClock only moves when told to. Exit replay uses it so timer
// behaviour follows the trace instead of the host.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}
