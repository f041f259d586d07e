// internal/board/host/tickclock.go

package host

import (
	"sync/atomic"
	"time"
)

// TickClock is the host's free running millisecond counter. It also emits a
// tick on Ch every interval, which is what ends an idle sleep, the way the
// timer overflow interrupt does on a microcontroller.
type TickClock struct {
	Ch    chan struct{}
	count atomic.Int64
	stop  chan struct{}
	start time.Time
}

// NewTickClock creates a clock but does not start it.
func NewTickClock() *TickClock {
	return &TickClock{
		Ch:    make(chan struct{}, 1), // one pending tick is enough to end an idle
		stop:  make(chan struct{}),
		start: time.Now(),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				default:
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks.
func (c *TickClock) Stop() {
	close(c.stop)
}

// Count returns the number of ticks emitted so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}

// Millis is the counter value: milliseconds since the clock was created,
// truncated to 32 bits like the hardware register.
func (c *TickClock) Millis() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}
