// internal/sched/clock.go

package sched

// clock turns the raw hardware counter into uptime that includes time spent
// in deep sleep. All fields are guarded by the platform critical section;
// napMs and asleepMs are written from the watchdog interrupt.
//
// Only watchdog-nap platforms freeze their counter while asleep, so only
// they ever set napMs. Arithmetic is modulo 2^32, the wrap period of the
// raw counter, which uptime inherits.
type clock struct {
	asleepMs    uint32 // accumulated correction
	napStartRaw uint32 // raw counter when the in-flight nap was armed
	napMs       uint32 // residual of the armed nap; 0 when none is in flight
}

func (c *clock) now(raw uint32) uint32 {
	return raw + c.asleepMs
}

// beginNap records a nap of napMs starting at raw.
func (c *clock) beginNap(napMs, raw uint32) {
	c.napMs = napMs
	c.napStartRaw = raw
}

// credit closes the in-flight nap. The counter ran for raw-napStartRaw of the
// nap (idle steps after an unrelated wake), the rest is added to the offset.
// It returns the length of the closed nap, 0 when none was armed.
func (c *clock) credit(raw uint32) uint32 {
	nap := c.napMs
	if nap == 0 {
		return 0
	}
	c.asleepMs += nap
	c.asleepMs -= raw - c.napStartRaw
	c.napMs = 0
	return nap
}

func (c *clock) napping() bool { return c.napMs != 0 }
