// Package sim provides deterministic virtual-time boards for the scheduler.
//
// A board owns a virtual millisecond timeline. Time only moves when the
// running program burns CPU (Busy) or sleeps, and interrupts (the watchdog
// and external events registered with At/After) are delivered synchronously
// on the program's goroutine at their due time, exactly like an ISR
// preempting the main loop. A reset or power-off ends the program with
// runtime.Goexit, so Boot must run the program on its own goroutine, which
// it does.
package sim

import (
	"math"
	"runtime"

	"github.com/emirpasic/gods/trees/redblacktree"

	"dsched/internal/sched"
)

// Outcome is how a booted program ended.
type Outcome struct {
	Reset    bool   // the watchdog or Reset() restarted the device
	PowerOff bool   // the power-off time set with PowerOffAt was reached
	At       uint64 // virtual time of the end
}

type wake int

const (
	wakeNone wake = iota
	wakeWatchdog
	wakeExternal
)

type watchdog struct {
	armed     bool
	interrupt bool
	period    uint64
	deadline  uint64
}

// machine is the part all targets share: timeline, counter, interrupt mask
// and watchdog bookkeeping.
type machine struct {
	now    uint64 // real time since power on
	raw    uint32 // the counter Millis returns
	masked int
	isr    func()

	wdt      watchdog
	timeline *redblacktree.Tree // pendingKey -> func()
	seq      uint64
	powerOff uint64

	lastTimer bool
	deepSleep bool // sleep without a timer is a power-down that wakes by restarting
	awake     bool
	toggles   int
	resets    int
	outcome   Outcome
}

// pendingKey orders external interrupts by due time, then registration.
type pendingKey struct {
	at  uint64
	seq uint64
}

func cmp(a, b any) int {
	ka, kb := a.(pendingKey), b.(pendingKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Option configures a board.
type Option func(*machine)

// WithDeepSleepWhenEmpty makes a sleep with no timer (the queue is empty) a
// real deep sleep: RAM is lost, so the next external interrupt restarts the
// device instead of running its handler. Only the ESP boards honour it; the
// AVR already powers down with RAM kept.
func WithDeepSleepWhenEmpty() Option {
	return func(m *machine) { m.deepSleep = true }
}

func newMachine(opts ...Option) *machine {
	m := &machine{
		timeline: redblacktree.NewWith(cmp),
		awake:    true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Boot runs main on a fresh goroutine until it returns, the device resets
// or the power-off time is reached.
func (m *machine) Boot(main func()) Outcome {
	done := make(chan struct{})
	go func() {
		defer close(done)
		main()
	}()
	<-done
	return m.outcome
}

// PowerOffAt ends the program once virtual time reaches at.
func (m *machine) PowerOffAt(at uint64) { m.powerOff = at }

// At registers an external interrupt handler to fire at virtual time at.
func (m *machine) At(at uint64, isr func()) {
	m.seq++
	m.timeline.Put(pendingKey{at: at, seq: m.seq}, isr)
}

// After registers an external interrupt handler to fire d ms from now.
func (m *machine) After(d uint64, isr func()) { m.At(m.now+d, isr) }

// Busy burns d ms of CPU time. Interrupts due in between are delivered.
func (m *machine) Busy(d uint64) { m.pass(m.now+d, false, false) }

// Elapsed is the real time since power on, independent of the counter.
func (m *machine) Elapsed() uint64 { return m.now }

func (m *machine) Millis() uint32 { return m.raw }

func (m *machine) DisableInterrupts() sched.InterruptState {
	m.masked++
	return sched.InterruptState(m.masked - 1)
}

func (m *machine) RestoreInterrupts(st sched.InterruptState) { m.masked = int(st) }

func (m *machine) Attach(isr func()) error {
	if m.isr != nil {
		return sched.ErrPlatformInUse
	}
	m.isr = isr
	return nil
}

func (m *machine) PetWatchdog() {
	if m.wdt.armed {
		m.wdt.deadline = m.now + m.wdt.period
	}
}

func (m *machine) DisarmWatchdog() { m.wdt.armed = false }

// WatchdogArmed reports whether the watchdog is counting.
func (m *machine) WatchdogArmed() bool { return m.wdt.armed }

func (m *machine) WokeByTimer() bool { return m.lastTimer }

func (m *machine) Reset() {
	m.resets++
	m.outcome = Outcome{Reset: true, At: m.now}
	runtime.Goexit()
}

// SetAwake records the awake indicator pin.
func (m *machine) SetAwake(awake bool) {
	if awake != m.awake {
		m.awake = awake
		m.toggles++
	}
}

// Awake is the state of the awake indicator.
func (m *machine) Awake() bool { return m.awake }

// AwakeToggles counts indicator transitions.
func (m *machine) AwakeToggles() int { return m.toggles }

func (m *machine) arm(period uint64, interrupt bool) {
	m.wdt = watchdog{armed: true, interrupt: interrupt, period: period, deadline: m.now + period}
}

// powerDown is the deep sleep of WithDeepSleepWhenEmpty. The wake source is
// consumed by the restart, its handler never runs.
func (m *machine) powerDown() {
	m.wdt.armed = false
	n := m.timeline.Left()
	if n == nil || (m.powerOff > 0 && n.Key.(pendingKey).at > m.powerOff) {
		// runs to power-off, or reports that nothing can wake the device
		m.pass(math.MaxUint64, false, false)
	}
	k := n.Key.(pendingKey)
	m.timeline.Remove(k)
	m.advance(max(k.at, m.now), false)
	m.Reset()
}

// idle returns on the next interrupt or after one counter tick.
func (m *machine) idle() {
	w := m.pass(m.now+1, false, true)
	m.lastTimer = w == wakeWatchdog
}

// pass moves time to until, delivering interrupts on the way. With stop set
// it returns right after the first delivered interrupt. freeze keeps the
// counter still, as in deep sleep on targets without a sleep clock.
func (m *machine) pass(until uint64, freeze, stop bool) wake {
	halt := false
	if m.powerOff > 0 && until >= m.powerOff {
		until, halt = m.powerOff, true
	}
	for {
		at, src := m.next()
		if src == wakeNone || at > until {
			break
		}
		m.advance(at, freeze)
		m.deliver(src)
		if stop {
			return src
		}
	}
	if until == math.MaxUint64 {
		panic("sim: sleeping forever with nothing left to wake the device")
	}
	m.advance(until, freeze)
	if halt {
		m.outcome = Outcome{PowerOff: true, At: m.now}
		runtime.Goexit()
	}
	return wakeNone
}

func (m *machine) next() (uint64, wake) {
	at, src := uint64(0), wakeNone
	if m.wdt.armed {
		at, src = m.wdt.deadline, wakeWatchdog
	}
	if n := m.timeline.Left(); n != nil {
		k := n.Key.(pendingKey)
		if src == wakeNone || k.at < at {
			at, src = k.at, wakeExternal
		}
	}
	if src != wakeNone && at < m.now {
		at = m.now
	}
	return at, src
}

func (m *machine) advance(to uint64, freeze bool) {
	if !freeze {
		m.raw += uint32(to - m.now)
	}
	m.now = to
}

func (m *machine) deliver(src wake) {
	if m.masked > 0 {
		panic("sim: interrupt delivered inside a critical section")
	}
	switch src {
	case wakeWatchdog:
		if !m.wdt.interrupt || m.isr == nil {
			m.Reset()
			return
		}
		// first expiry interrupts, the next one resets unless re-armed
		m.wdt.interrupt = false
		m.wdt.deadline = m.now + m.wdt.period
		m.isr()
	case wakeExternal:
		n := m.timeline.Left()
		m.timeline.Remove(n.Key)
		n.Value.(func())()
	}
}
