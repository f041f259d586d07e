package sim

import (
	"math"

	"dsched/internal/sched"
)

// ESP32 models an ESP32: the RTC keeps counting in light sleep, a one-shot
// timer wakes the chip, and supervision runs on a separate hardware timer
// whose interrupt handler is bounded by the interrupt watchdog.
type ESP32 struct {
	*machine
}

func NewESP32(opts ...Option) *ESP32 {
	return &ESP32{machine: newMachine(opts...)}
}

func (b *ESP32) Profile() sched.Profile {
	return sched.Profile{
		Name:              "esp32",
		MinSleepMs:        1,
		CallbackSupported: true,
	}
}

func (b *ESP32) ArmWatchdog(t sched.Timeout, interrupt bool) {
	b.arm(uint64(t.Millis()), interrupt)
}

func (b *ESP32) Sleep(mode sched.SleepMode, durationMs uint32) {
	switch mode {
	case sched.Idle:
		b.idle()
	case sched.Sleep:
		if durationMs == 0 && b.deepSleep {
			b.powerDown()
		}
		until := uint64(math.MaxUint64)
		if durationMs > 0 {
			until = b.now + uint64(durationMs)
		}
		w := b.pass(until, false, true)
		b.lastTimer = w == wakeNone
	}
}

// esp8266MaxDelayMs keeps a delay below the hardware watchdog.
const esp8266MaxDelayMs = 7500

// ESP8266 models an ESP8266 without sleep support: "sleep" is a delay, the
// counter stays exact, and the watchdog cannot interrupt before it resets.
// A delay cannot tell why it ended, so WokeByTimer is always true.
type ESP8266 struct {
	*machine
}

func NewESP8266(opts ...Option) *ESP8266 {
	return &ESP8266{machine: newMachine(opts...)}
}

func (b *ESP8266) Profile() sched.Profile {
	return sched.Profile{
		Name:       "esp8266",
		MinSleepMs: 1,
		MaxSleepMs: esp8266MaxDelayMs,
	}
}

func (b *ESP8266) ArmWatchdog(t sched.Timeout, _ bool) {
	b.arm(uint64(t.Millis()), false)
}

func (b *ESP8266) Sleep(mode sched.SleepMode, durationMs uint32) {
	switch mode {
	case sched.Idle:
		b.idle()
	case sched.Sleep:
		if durationMs == 0 && b.deepSleep {
			b.powerDown()
		}
		if durationMs == 0 || durationMs > esp8266MaxDelayMs {
			durationMs = esp8266MaxDelayMs
		}
		b.pass(b.now+uint64(durationMs), false, false)
	}
	b.lastTimer = true
}
