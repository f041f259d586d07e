// internal/sched/watchdog.go

package sched

import (
	"github.com/rs/zerolog"
)

// SupervisionState is who currently owns the hardware watchdog.
type SupervisionState int

const (
	SupervisionDisabled SupervisionState = iota
	SupervisionArmed
	// SupervisionNapping means the watchdog is the sleep timer of an
	// in-flight nap. Petting it would stretch the nap, so pet is skipped.
	SupervisionNapping
	// SupervisionEscalating means a task overran and the device is on its
	// way to a reset.
	SupervisionEscalating
)

func (s SupervisionState) String() string {
	switch s {
	case SupervisionDisabled:
		return "Disabled"
	case SupervisionArmed:
		return "Armed"
	case SupervisionNapping:
		return "Napping"
	case SupervisionEscalating:
		return "Escalating"
	default:
		return "Unknown"
	}
}

// Supervision is a snapshot of the supervisor configuration and state.
type Supervision struct {
	Timeout         Timeout
	CallbackTimeout Timeout
	HasCallback     bool
	State           SupervisionState
}

// supervisor drives the watchdog around task execution. Its fields are
// guarded by the platform critical section; hardware calls are made after
// the section is left, except where the order against the interrupt matters.
type supervisor struct {
	platform Platform
	log      zerolog.Logger
	emit     func(StatusEvent)

	timeout         Timeout
	callback        Action
	callbackTimeout Timeout
	state           SupervisionState
	canCallback     bool
}

// arm starts supervision with the configured class, or disables the
// watchdog for NoSupervision.
func (w *supervisor) arm() {
	st := w.platform.DisableInterrupts()
	t := w.timeout
	if t == NoSupervision {
		w.state = SupervisionDisabled
		w.platform.DisarmWatchdog()
	} else {
		w.state = SupervisionArmed
		w.platform.ArmWatchdog(t, true)
	}
	w.platform.RestoreInterrupts(st)
}

// resume is called after a timer driven wake: restart the countdown and go
// back to the configured class.
func (w *supervisor) resume() {
	st := w.platform.DisableInterrupts()
	t := w.timeout
	if t == NoSupervision {
		w.state = SupervisionDisabled
		w.platform.DisarmWatchdog()
	} else {
		w.state = SupervisionArmed
		w.platform.PetWatchdog()
		w.platform.ArmWatchdog(t, true)
	}
	w.platform.RestoreInterrupts(st)
}

func (w *supervisor) pet() {
	st := w.platform.DisableInterrupts()
	if w.state == SupervisionArmed {
		w.platform.PetWatchdog()
	}
	w.platform.RestoreInterrupts(st)
}

// disarm stops the watchdog ahead of an unsupervised deep sleep.
func (w *supervisor) disarm() {
	st := w.platform.DisableInterrupts()
	w.state = SupervisionDisabled
	w.platform.DisarmWatchdog()
	w.platform.RestoreInterrupts(st)
}

// armNapLocked hands the watchdog over to a nap. Caller holds the critical
// section so the nap bookkeeping and the hardware agree before any
// interrupt can observe them.
func (w *supervisor) armNapLocked(n Nap) {
	w.state = SupervisionNapping
	w.platform.ArmWatchdog(n.Timeout, true)
}

func (w *supervisor) snapshot() Supervision {
	st := w.platform.DisableInterrupts()
	defer w.platform.RestoreInterrupts(st)
	return Supervision{
		Timeout:         w.timeout,
		CallbackTimeout: w.callbackTimeout,
		HasCallback:     !w.callback.IsZero(),
		State:           w.state,
	}
}

// expire runs in interrupt context when a supervised task overran. It never
// returns on hardware: the callback is bounded by its own reset-only
// timeout, and the final reset is backed by a 15ms one.
func (w *supervisor) expire(uptime uint32) {
	st := w.platform.DisableInterrupts()
	w.state = SupervisionEscalating
	cb := w.callback
	cbTimeout := w.callbackTimeout
	class := w.timeout
	w.platform.RestoreInterrupts(st)

	w.log.Error().Str("timeout", class.String()).Uint32("uptime", uptime).Msg("task supervision expired")
	w.emit(StatusEvent{Uptime: uptime, Kind: StatusExpire})

	if !cb.IsZero() && w.canCallback {
		w.platform.PetWatchdog()
		w.platform.ArmWatchdog(cbTimeout, false)
		cb.run()
	}
	w.reset(uptime)
}

// reset takes the short path to a restart.
func (w *supervisor) reset(uptime uint32) {
	w.log.Warn().Uint32("uptime", uptime).Msg("watchdog reset")
	w.emit(StatusEvent{Uptime: uptime, Kind: StatusReset})
	w.platform.ArmWatchdog(Timeout15ms, false)
	w.platform.Reset()
}
