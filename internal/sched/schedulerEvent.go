// internal/sched/schedulerEvent.go

package sched

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusEnqueue StatusKind = iota
	StatusDispatch
	StatusFinish
	StatusIdle
	StatusSleep
	StatusNap
	StatusWake
	StatusExpire
	StatusReset
)

// StatusEvent is emitted on queue changes, task runs and power transitions.
// Tracers are called from interrupt context too, so they must not block.
type StatusEvent struct {
	Uptime     uint32
	Kind       StatusKind
	Mode       SleepMode
	DurationMs uint32 // sleep or nap length, task run time for StatusFinish
	Deadline   uint32 // task uptime, or the deadline a sleep was computed for
	ByTimer    bool   // StatusWake: the sleep timer ended the sleep
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusEnqueue:
		return "Enqueue"
	case StatusDispatch:
		return "Dispatch"
	case StatusFinish:
		return "Finish"
	case StatusIdle:
		return "Idle"
	case StatusSleep:
		return "Sleep"
	case StatusNap:
		return "Nap"
	case StatusWake:
		return "Wake"
	case StatusExpire:
		return "Expire"
	case StatusReset:
		return "Reset"
	default:
		return "Unknown"
	}
}
