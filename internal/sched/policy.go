// internal/sched/policy.go

package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// DefaultBufferMs is the safety margin kept between a wake up and the next
// deadline so the device never wakes late.
const DefaultBufferMs = 2

// PolicyInput is a snapshot of the scheduler taken under the critical
// section at the start of a sleep decision.
type PolicyInput struct {
	QueueEmpty bool
	Deadline   uint32 // uptime of the queue head, valid when !QueueEmpty
	Now        uint32
	Locked     bool // a no-sleep lock is held
	// SinceLastTaskMs is the raw counter time since the last task finished.
	SinceLastTaskMs uint32
	// NapResidualMs is non-zero while a watchdog nap is still armed, i.e. the
	// last wake came from an unrelated interrupt.
	NapResidualMs uint32
	// ChainTarget is the deadline the in-flight nap was computed for.
	ChainTarget uint32
}

// Decision is what the loop should do next.
type Decision struct {
	Mode SleepMode
	// DurationMs is the one-shot sleep length; 0 with Mode Sleep and no Nap
	// means sleep until an external interrupt.
	DurationMs uint32
	// Nap is the watchdog period to arm, zero when none.
	Nap Nap
	// Resume keeps sleeping on the nap that is already armed.
	Resume bool
}

// SleepPolicy decides between NoSleep, Idle and Sleep.
type SleepPolicy struct {
	BufferMs   uint32
	MinSleepMs uint32
	MaxSleepMs uint32
	GraceMs    uint32

	naps *redblacktree.Tree // effective nap length -> Nap
}

// NewSleepPolicy builds the policy for a platform. cfg.MinSleepMs of 0 keeps
// the platform's own threshold.
func NewSleepPolicy(p Profile, cfg Config) *SleepPolicy {
	cfg = cfg.clamped()
	sp := &SleepPolicy{
		BufferMs:   uint32(cfg.BufferMs),
		MinSleepMs: p.MinSleepMs,
		MaxSleepMs: p.MaxSleepMs,
		GraceMs:    uint32(cfg.SleepDelayMs),
	}
	if cfg.MinSleepMs > 0 {
		sp.MinSleepMs = uint32(cfg.MinSleepMs)
	}
	if len(p.Naps) > 0 {
		sp.naps = redblacktree.NewWith(utils.UInt32Comparator)
		for _, n := range p.Naps {
			sp.naps.Put(n.Millis, n)
		}
	}
	return sp
}

// Decide evaluates one sleep cycle.
func (p *SleepPolicy) Decide(in PolicyInput) Decision {
	if !in.QueueEmpty && in.Deadline <= in.Now {
		return Decision{Mode: NoSleep}
	}
	grace := p.GraceMs > 0 && in.SinceLastTaskMs < p.GraceMs

	if in.NapResidualMs != 0 {
		// Woken mid-nap by something else. The nap keeps running and will
		// correct the clock when it fires; an interrupt may have queued work
		// that is due before the nap's target, so keep the counter running.
		if in.Locked || grace || (!in.QueueEmpty && in.Deadline < in.ChainTarget) {
			return Decision{Mode: Idle}
		}
		return Decision{Mode: Sleep, Resume: true}
	}

	if in.QueueEmpty {
		if in.Locked || grace {
			return Decision{Mode: Idle}
		}
		return Decision{Mode: Sleep}
	}

	wait := in.Deadline - in.Now
	if in.Locked || grace || wait < p.MinSleepMs+p.BufferMs {
		return Decision{Mode: Idle}
	}

	if p.naps != nil {
		nap, ok := p.napFor(wait)
		if !ok {
			return Decision{Mode: Idle}
		}
		return Decision{Mode: Sleep, Nap: nap, DurationMs: nap.Millis}
	}

	d := wait - p.BufferMs
	if p.MaxSleepMs > 0 && d > p.MaxSleepMs {
		d = p.MaxSleepMs
	}
	return Decision{Mode: Sleep, DurationMs: d}
}

// napFor returns the longest nap that still ends BufferMs before wait.
func (p *SleepPolicy) napFor(wait uint32) (Nap, bool) {
	if wait < p.BufferMs {
		return Nap{}, false
	}
	node, ok := p.naps.Floor(wait - p.BufferMs)
	if !ok {
		return Nap{}, false
	}
	return node.Value.(Nap), true
}
