package sim

import (
	"math"

	"dsched/internal/sched"
)

// avrNaps are the measured watchdog periods of an ATmega328P: the
// oscillator runs slow, so every class takes longer than its name.
var avrNaps = []sched.Nap{
	{Timeout: sched.Timeout15ms, Millis: 15 + 3},
	{Timeout: sched.Timeout30ms, Millis: 30 + 4},
	{Timeout: sched.Timeout60ms, Millis: 60 + 7},
	{Timeout: sched.Timeout120ms, Millis: 120 + 13},
	{Timeout: sched.Timeout250ms, Millis: 250 + 15},
	{Timeout: sched.Timeout500ms, Millis: 500 + 28},
	{Timeout: sched.Timeout1s, Millis: 1000 + 54},
	{Timeout: sched.Timeout2s, Millis: 2000 + 106},
	{Timeout: sched.Timeout4s, Millis: 4000 + 209},
	{Timeout: sched.Timeout8s, Millis: 8000 + 415},
}

// AVRPeriod returns the measured watchdog period of class t.
func AVRPeriod(t sched.Timeout) uint32 {
	if int(t) < len(avrNaps) {
		return avrNaps[t].Millis
	}
	return 0
}

// AVR models an 8-bit AVR: the watchdog doubles as the only deep sleep
// timer, millis() stops in power-down, and idle wakes on the 1ms timer0
// overflow.
type AVR struct {
	*machine
}

func NewAVR() *AVR {
	return &AVR{machine: newMachine()}
}

func (b *AVR) Profile() sched.Profile {
	return sched.Profile{
		Name:              "avr",
		Naps:              avrNaps,
		MinSleepMs:        AVRPeriod(sched.Timeout1s),
		CallbackSupported: true,
	}
}

func (b *AVR) ArmWatchdog(t sched.Timeout, interrupt bool) {
	b.arm(uint64(AVRPeriod(t)), interrupt)
}

// Sleep in power-down returns on the first interrupt. The watchdog, if
// armed, is the timer.
func (b *AVR) Sleep(mode sched.SleepMode, _ uint32) {
	switch mode {
	case sched.Idle:
		b.idle()
	case sched.Sleep:
		w := b.pass(math.MaxUint64, true, true)
		b.lastTimer = w == wakeWatchdog
	}
}
