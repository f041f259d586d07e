package job

import (
	"time"

	"dsched/internal/sched"
)

// Burner stands for CPU time spent by a task. The sim boards burn virtual
// time; on a host HostBurner blocks the calling goroutine.
type Burner interface {
	Busy(ms uint64)
}

// HostBurner burns real time.
type HostBurner struct{}

func (HostBurner) Busy(ms uint64) { time.Sleep(time.Duration(ms) * time.Millisecond) }

// Scheduler is the part of *sched.Scheduler the workloads use.
type Scheduler interface {
	ScheduleDelayed(a sched.Action, delayMs uint32)
	ScheduleAt(a sched.Action, uptimeMs uint32)
	ScheduleOnce(a sched.Action)
	RemoveScheduled(a sched.Action)
	ScheduleTimeOfCurrentTask() (uint32, bool)
	AcquireNoSleepLock()
	ReleaseNoSleepLock()
	Pet()
}

// Work returns a task that keeps the CPU busy for ms.
func Work(b Burner, ms uint64) func() {
	return func() { b.Busy(ms) }
}

// LongWork is Work for jobs longer than the supervision timeout: it burns
// in slices of sliceMs and pets the watchdog after each one.
func LongWork(s Scheduler, b Burner, ms, sliceMs uint64) func() {
	if sliceMs == 0 {
		sliceMs = ms
	}
	return func() {
		for left := ms; left > 0; {
			step := min(left, sliceMs)
			b.Busy(step)
			left -= step
			s.Pet()
		}
	}
}
