// internal/sched/platform.go

package sched

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPlatformInUse is returned by Platform.Attach when a scheduler is already
// bound to the board. There is exactly one scheduler per device.
var ErrPlatformInUse = errors.New("platform already hosts a scheduler")

// Timeout is a watchdog duration class. The same classes are used for task
// supervision and, on watchdog-as-timer platforms, for sleep naps.
type Timeout uint8

const (
	Timeout15ms Timeout = iota
	Timeout30ms
	Timeout60ms
	Timeout120ms
	Timeout250ms
	Timeout500ms
	Timeout1s
	Timeout2s
	Timeout4s
	Timeout8s
	NoSupervision
)

var timeoutNames = [...]string{"15ms", "30ms", "60ms", "120ms", "250ms", "500ms", "1s", "2s", "4s", "8s", "none"}

var timeoutMillis = [...]uint32{15, 30, 60, 120, 250, 500, 1000, 2000, 4000, 8000, 0}

// Millis returns the nominal duration of the class. NoSupervision is 0.
func (t Timeout) Millis() uint32 {
	if int(t) >= len(timeoutMillis) {
		return 0
	}
	return timeoutMillis[t]
}

func (t Timeout) String() string {
	if int(t) >= len(timeoutNames) {
		return "Unknown"
	}
	return timeoutNames[t]
}

// ParseTimeout accepts the class names used in config files ("15ms".."8s",
// "none").
func ParseTimeout(s string) (Timeout, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "off" || s == "no_supervision" {
		return NoSupervision, nil
	}
	for i, name := range timeoutNames {
		if name == s {
			return Timeout(i), nil
		}
	}
	return NoSupervision, fmt.Errorf("unknown timeout class %q", s)
}

func (t Timeout) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Timeout) UnmarshalText(b []byte) error {
	v, err := ParseTimeout(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// SleepMode is the outcome of a sleep decision.
type SleepMode int

const (
	// NoSleep means a task is already due.
	NoSleep SleepMode = iota
	// Idle is a shallow sleep that keeps the millisecond counter running and
	// returns on the next interrupt of any kind.
	Idle
	// Sleep is the deepest mode the platform offers.
	Sleep
)

func (m SleepMode) String() string {
	switch m {
	case NoSleep:
		return "NoSleep"
	case Idle:
		return "Idle"
	case Sleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// InterruptState is the opaque mask returned by DisableInterrupts.
type InterruptState uintptr

// Nap is one usable watchdog period on platforms that reuse the watchdog
// as their deep sleep timer. Millis is the measured period, which is longer
// than the nominal class duration.
type Nap struct {
	Timeout Timeout
	Millis  uint32
}

// Profile describes the sleep capabilities of a platform.
type Profile struct {
	Name string
	// Naps is non-empty when deep sleep is realised by chaining watchdog
	// periods. The counter returned by Millis stops during such naps and the
	// scheduler corrects it from the watchdog interrupt.
	Naps []Nap
	// MinSleepMs is the smallest wait worth a deep sleep.
	MinSleepMs uint32
	// MaxSleepMs caps a single one-shot sleep; 0 means no cap.
	MaxSleepMs uint32
	// CallbackSupported reports whether the watchdog can interrupt before it
	// resets, which the supervision callback needs.
	CallbackSupported bool
}

// Platform is the narrow hardware contract the scheduler runs on.
//
// DisableInterrupts/RestoreInterrupts bracket every access to state shared
// with interrupt handlers. Sleep is only ever called from the main loop and
// never inside a critical section.
type Platform interface {
	// Millis reads the free running millisecond counter.
	Millis() uint32
	DisableInterrupts() InterruptState
	RestoreInterrupts(InterruptState)
	// Sleep enters mode. For Sleep with durationMs > 0 on one-shot platforms a
	// wake timer is set; durationMs == 0 sleeps until an external interrupt.
	// On nap platforms the armed watchdog is the wake timer.
	Sleep(mode SleepMode, durationMs uint32)
	// ArmWatchdog (re)starts the watchdog with class t. With interrupt set the
	// first expiry calls the attached handler and the second resets the
	// device; otherwise the first expiry resets.
	ArmWatchdog(t Timeout, interrupt bool)
	PetWatchdog()
	DisarmWatchdog()
	// WokeByTimer reports whether the last Sleep ended because of the sleep
	// timer rather than an unrelated interrupt.
	WokeByTimer() bool
	// Reset restarts the device. It does not return on hardware.
	Reset()
	// Attach registers the watchdog interrupt handler. It fails with
	// ErrPlatformInUse on a second call.
	Attach(isr func()) error
	Profile() Profile
}

// AwakeIndicator is implemented by platforms with an "awake" LED or pin.
type AwakeIndicator interface {
	SetAwake(awake bool)
}
