package job

import (
	"sync/atomic"

	"dsched/internal/sched"
)

// Button turns a bouncing input into one handler call per press. Press is
// the interrupt handler; it only queues work.
//
// With DebounceMs 0 a burst of edges coalesces into one run through
// ScheduleOnce. Otherwise every edge pushes the run DebounceMs further, so
// the handler runs once the contact has settled.
type Button struct {
	DebounceMs uint32
	OnPress    func()

	sched   Scheduler
	edges   atomic.Int64
	presses atomic.Int64
}

func NewButton(s Scheduler, debounceMs uint32, onPress func()) *Button {
	return &Button{DebounceMs: debounceMs, OnPress: onPress, sched: s}
}

// Press is called from interrupt context on every edge.
func (b *Button) Press() {
	b.edges.Add(1)
	if b.DebounceMs == 0 {
		b.sched.ScheduleOnce(sched.Runner(b))
		return
	}
	b.sched.RemoveScheduled(sched.Runner(b))
	b.sched.ScheduleDelayed(sched.Runner(b), b.DebounceMs)
}

func (b *Button) Run() {
	b.presses.Add(1)
	if b.OnPress != nil {
		b.OnPress()
	}
}

// Edges counts raw interrupts.
func (b *Button) Edges() int64 { return b.edges.Load() }

// Presses counts handler runs.
func (b *Button) Presses() int64 { return b.presses.Load() }
