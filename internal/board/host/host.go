// Package host runs the scheduler on a regular OS process in real time.
//
// Interrupts are goroutines: the watchdog is a time.Timer and external
// events are delivered with Interrupt. The interrupt mask is a mutex, so an
// interrupt handler that touches scheduler state waits for the main loop to
// leave its critical section, as a masked interrupt stays pending.
package host

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dsched/internal/sched"
)

// ExitCodeReset is the process exit code of a watchdog reset.
const ExitCodeReset = 3

// Board is a hosted sched.Platform.
type Board struct {
	clock *TickClock
	tick  time.Duration
	log   zerolog.Logger

	irq sync.Mutex // the interrupt mask

	// wake holds one pending interrupt, so an interrupt that lands between
	// the sleep decision and Sleep still ends the sleep.
	wake      chan struct{}
	lastTimer atomic.Bool

	wdtMu        sync.Mutex
	wdt          *time.Timer
	wdtGen       uint64
	wdtPeriod    time.Duration
	wdtInterrupt bool
	isr          func()

	onReset func()
	resets  atomic.Int64
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithLogger sets the board logger.
func WithLogger(log zerolog.Logger) BoardOption {
	return func(b *Board) { b.log = log }
}

// WithResetHandler replaces the default reset, which exits the process
// with ExitCodeReset.
func WithResetHandler(fn func()) BoardOption {
	return func(b *Board) { b.onReset = fn }
}

// NewBoard starts the counter with the given tick resolution.
func NewBoard(tick time.Duration, opts ...BoardOption) *Board {
	if tick <= 0 {
		tick = time.Millisecond
	}
	b := &Board{
		clock: NewTickClock(),
		tick:  tick,
		log:   zerolog.Nop(),
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	if b.onReset == nil {
		b.onReset = func() { os.Exit(ExitCodeReset) }
	}
	b.clock.Start(tick)
	return b
}

// Close stops the counter and the watchdog and wakes a sleeping loop.
func (b *Board) Close() {
	b.DisarmWatchdog()
	b.clock.Stop()
	b.post()
}

// Interrupt runs isr as an external interrupt and wakes the main loop.
func (b *Board) Interrupt(isr func()) {
	if isr != nil {
		isr()
	}
	b.post()
}

func (b *Board) post() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Resets counts watchdog resets that did not end the process.
func (b *Board) Resets() int64 { return b.resets.Load() }

func (b *Board) Millis() uint32 { return b.clock.Millis() }

func (b *Board) DisableInterrupts() sched.InterruptState {
	b.irq.Lock()
	return 0
}

func (b *Board) RestoreInterrupts(sched.InterruptState) { b.irq.Unlock() }

func (b *Board) Profile() sched.Profile {
	return sched.Profile{
		Name:              "host",
		MinSleepMs:        uint32(b.tick / time.Millisecond),
		CallbackSupported: true,
	}
}

func (b *Board) Sleep(mode sched.SleepMode, durationMs uint32) {
	switch mode {
	case sched.Idle:
		select {
		case <-b.clock.Ch:
			b.lastTimer.Store(true)
		case <-b.wake:
			b.lastTimer.Store(false)
		}
	case sched.Sleep:
		if durationMs == 0 {
			<-b.wake
			b.lastTimer.Store(false)
			return
		}
		t := time.NewTimer(time.Duration(durationMs) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			b.lastTimer.Store(true)
		case <-b.wake:
			b.lastTimer.Store(false)
		}
	}
}

func (b *Board) WokeByTimer() bool { return b.lastTimer.Load() }

func (b *Board) Attach(isr func()) error {
	b.wdtMu.Lock()
	defer b.wdtMu.Unlock()
	if b.isr != nil {
		return sched.ErrPlatformInUse
	}
	b.isr = isr
	return nil
}

func (b *Board) ArmWatchdog(t sched.Timeout, interrupt bool) {
	b.wdtMu.Lock()
	defer b.wdtMu.Unlock()
	b.wdtPeriod = time.Duration(t.Millis()) * time.Millisecond
	b.wdtInterrupt = interrupt
	b.restartLocked()
}

func (b *Board) PetWatchdog() {
	b.wdtMu.Lock()
	defer b.wdtMu.Unlock()
	if b.wdt != nil {
		b.restartLocked()
	}
}

func (b *Board) DisarmWatchdog() {
	b.wdtMu.Lock()
	defer b.wdtMu.Unlock()
	b.wdtGen++
	if b.wdt != nil {
		b.wdt.Stop()
		b.wdt = nil
	}
}

func (b *Board) restartLocked() {
	if b.wdt != nil {
		b.wdt.Stop()
	}
	b.wdtGen++
	gen := b.wdtGen
	b.wdt = time.AfterFunc(b.wdtPeriod, func() { b.expire(gen) })
}

// expire is the watchdog "hardware": interrupt first if enabled, reset on
// the following expiry.
func (b *Board) expire(gen uint64) {
	b.wdtMu.Lock()
	if gen != b.wdtGen {
		b.wdtMu.Unlock()
		return
	}
	isr := b.isr
	if !b.wdtInterrupt || isr == nil {
		b.wdt = nil
		b.wdtMu.Unlock()
		b.Reset()
		return
	}
	b.wdtInterrupt = false
	b.restartLocked()
	b.wdtMu.Unlock()

	isr()
	b.post()
}

func (b *Board) Reset() {
	b.resets.Add(1)
	b.log.Error().Uint32("millis", b.Millis()).Msg("watchdog reset")
	b.onReset()
}

// SetAwake logs awake transitions at trace level; there is no pin.
func (b *Board) SetAwake(awake bool) {
	b.log.Trace().Bool("awake", awake).Msg("awake indicator")
}
