package sched_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsched/internal/board/sim"
	"dsched/internal/sched"
)

type board interface {
	sched.Platform
	Boot(main func()) sim.Outcome
	PowerOffAt(at uint64)
	At(at uint64, isr func())
	Busy(d uint64)
	Elapsed() uint64
}

func boards() map[string]func() board {
	return map[string]func() board{
		"avr":     func() board { return sim.NewAVR() },
		"esp32":   func() board { return sim.NewESP32() },
		"esp8266": func() board { return sim.NewESP8266() },
	}
}

type trace struct {
	events []sched.StatusEvent
}

func (tr *trace) record(ev sched.StatusEvent) { tr.events = append(tr.events, ev) }

func (tr *trace) count(kind sched.StatusKind) int {
	n := 0
	for _, ev := range tr.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (tr *trace) first(kind sched.StatusKind) (sched.StatusEvent, bool) {
	for _, ev := range tr.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return sched.StatusEvent{}, false
}

func newScheduler(t *testing.T, b board, cfg sched.Config, tr *trace) *sched.Scheduler {
	t.Helper()
	opts := []sched.Option{sched.WithLogger(zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel))}
	if tr != nil {
		opts = append(opts, sched.WithTracer(tr.record))
	}
	s, err := sched.New(b, cfg, opts...)
	require.NoError(t, err)
	return s
}

// stamp records when a task ran, in real and in scheduler time.
type stamp struct {
	b       board
	s       *sched.Scheduler
	ran     int
	elapsed uint64
	now     uint32
}

func (st *stamp) Run() {
	st.ran++
	st.elapsed = st.b.Elapsed()
	st.now = st.s.Now()
}

func TestDeadlinePrecision(t *testing.T) {
	for name, mk := range boards() {
		for _, delay := range []uint32{0, 3, 500, 1056, 5000, 20000} {
			b := mk()
			s := newScheduler(t, b, sched.DefaultConfig(), nil)
			st := &stamp{b: b, s: s}
			s.ScheduleDelayed(sched.Runner(st), delay)
			b.PowerOffAt(uint64(delay) + 1000)

			out := b.Boot(s.RunForever)
			assert.True(t, out.PowerOff, "%s %d", name, delay)
			require.Equal(t, 1, st.ran, "%s %d", name, delay)
			assert.Equal(t, uint64(delay), st.elapsed, "%s %d: ran late or early", name, delay)
			assert.Equal(t, delay, st.now, "%s %d", name, delay)
		}
	}
}

func TestSleepChainWithInterrupt(t *testing.T) {
	b := sim.NewAVR()
	tr := &trace{}
	s := newScheduler(t, b, sched.DefaultConfig(), tr)

	a := &stamp{b: b, s: s}
	bb := &stamp{b: b, s: s}
	s.ScheduleDelayed(sched.Runner(a), 20000)
	b.At(11000, func() { s.ScheduleDelayed(sched.Runner(bb), 1000) })
	b.PowerOffAt(25000)

	out := b.Boot(s.RunForever)
	require.True(t, out.PowerOff)

	require.Equal(t, 1, bb.ran)
	assert.Equal(t, uint64(12000), bb.elapsed, "1000ms after the interrupt")
	require.Equal(t, 1, a.ran)
	assert.GreaterOrEqual(t, a.elapsed, uint64(20000))
	assert.LessOrEqual(t, a.elapsed, uint64(20002))
	assert.Equal(t, uint32(20000), a.now, "the nap correction restored uptime")

	nap, ok := tr.first(sched.StatusNap)
	require.True(t, ok)
	assert.Equal(t, uint32(8415), nap.DurationMs)
	assert.Equal(t, uint32(20000), nap.Deadline)
}

func TestOneShotSleepInterrupted(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	a := &stamp{b: b, s: s}
	early := &stamp{b: b, s: s}
	s.ScheduleDelayed(sched.Runner(a), 20000)
	b.At(5000, func() { s.ScheduleDelayed(sched.Runner(early), 1000) })
	b.PowerOffAt(25000)

	out := b.Boot(s.RunForever)
	require.True(t, out.PowerOff)
	require.Equal(t, 1, early.ran)
	assert.Equal(t, uint64(6000), early.elapsed)
	assert.Equal(t, uint32(6000), early.now)
	require.Equal(t, 1, a.ran)
	assert.Equal(t, uint64(20000), a.elapsed)
}

func TestDeepSleepWhenQueueEmpty(t *testing.T) {
	b := sim.NewESP32(sim.WithDeepSleepWhenEmpty())
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	st := &stamp{b: b, s: s}
	handled := false
	s.ScheduleDelayed(sched.Runner(st), 100)
	b.At(5000, func() { handled = true })

	out := b.Boot(s.RunForever)
	require.Equal(t, 1, st.ran)
	assert.True(t, out.Reset)
	assert.Equal(t, uint64(5000), out.At)
	assert.False(t, handled)
}

func TestEmptyActionsAreIgnored(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	s.Schedule(sched.Func(nil))
	s.ScheduleOnce(sched.Runner(nil))
	s.ScheduleDelayed(sched.Action{}, 100)
	s.ScheduleAt(sched.Func(nil), 200)
	s.ScheduleAtFrontOfQueue(sched.Action{})
	assert.Zero(t, s.Pending())
	b.PowerOffAt(1000)

	out := b.Boot(s.RunForever)
	assert.True(t, out.PowerOff, "nothing ran, nothing reset")
}

func TestEmptyQueueSleep(t *testing.T) {
	t.Run("uptime stops on avr", func(t *testing.T) {
		b := sim.NewAVR()
		s := newScheduler(t, b, sched.DefaultConfig(), nil)
		st := &stamp{b: b, s: s}
		b.At(5000, func() { s.Schedule(sched.Runner(st)) })
		b.PowerOffAt(6000)

		b.Boot(s.RunForever)
		require.Equal(t, 1, st.ran)
		assert.Equal(t, uint64(5000), st.elapsed)
		assert.Zero(t, st.now)
	})

	t.Run("uptime keeps counting on esp32", func(t *testing.T) {
		b := sim.NewESP32()
		s := newScheduler(t, b, sched.DefaultConfig(), nil)
		st := &stamp{b: b, s: s}
		b.At(5000, func() { s.Schedule(sched.Runner(st)) })
		b.PowerOffAt(6000)

		b.Boot(s.RunForever)
		require.Equal(t, 1, st.ran)
		assert.Equal(t, uint32(5000), st.now)
	})
}

func TestRunOrder(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	var order []string
	add := func(name string) sched.Action {
		return sched.Runner(&named{name: name, order: &order})
	}
	s.ScheduleDelayed(add("late"), 100)
	s.Schedule(add("a"))
	s.Schedule(add("b"))
	s.ScheduleAt(add("at50"), 50)
	s.ScheduleAtFrontOfQueue(add("front"))
	b.PowerOffAt(200)

	b.Boot(s.RunForever)
	assert.Equal(t, []string{"front", "a", "b", "at50", "late"}, order)
	assert.Zero(t, s.Pending())
}

type named struct {
	name  string
	order *[]string
}

func (n *named) Run() { *n.order = append(*n.order, n.name) }

func TestScheduleOnceCoalescesInterruptStorm(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	handled := 0
	handler := sched.Func(func() { handled++ })
	s.Schedule(sched.Func(func() { b.Busy(50) }))
	for _, at := range []uint64{10, 20, 30, 40} {
		b.At(at, func() { s.ScheduleOnce(handler) })
	}
	b.PowerOffAt(500)

	b.Boot(s.RunForever)
	assert.Equal(t, 1, handled)
}

func TestRemoveScheduled(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	victim := &stamp{b: b, s: s}
	other := &stamp{b: b, s: s}
	for _, d := range []uint32{100, 200, 300} {
		s.ScheduleDelayed(sched.Runner(victim), d)
	}
	s.ScheduleDelayed(sched.Runner(other), 150)
	assert.True(t, s.IsScheduled(sched.Runner(victim)))
	assert.Equal(t, 4, s.Pending())

	s.RemoveScheduled(sched.Runner(victim))
	assert.False(t, s.IsScheduled(sched.Runner(victim)))
	assert.True(t, s.IsScheduled(sched.Runner(other)))
	b.PowerOffAt(1000)

	b.Boot(s.RunForever)
	assert.Zero(t, victim.ran)
	assert.Equal(t, 1, other.ran)
}

func TestScheduleTimeOfCurrentTask(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	_, ok := s.ScheduleTimeOfCurrentTask()
	assert.False(t, ok)

	var planned, ranAt uint32
	var inTask bool
	s.Schedule(sched.Func(func() { b.Busy(500) }))
	s.ScheduleAt(sched.Func(func() {
		planned, inTask = s.ScheduleTimeOfCurrentTask()
		ranAt = s.Now()
	}), 300)
	b.PowerOffAt(1000)

	b.Boot(s.RunForever)
	assert.True(t, inTask)
	assert.Equal(t, uint32(300), planned)
	assert.Equal(t, uint32(500), ranAt)
}

func TestNoSleepLock(t *testing.T) {
	b := sim.NewESP32()
	s := newScheduler(t, b, sched.DefaultConfig(), nil)

	for i := 0; i < 300; i++ {
		s.AcquireNoSleepLock()
	}
	assert.False(t, s.DoesSleep())
	for i := 0; i < 254; i++ {
		s.ReleaseNoSleepLock()
	}
	assert.False(t, s.DoesSleep())
	s.ReleaseNoSleepLock()
	assert.True(t, s.DoesSleep(), "the counter saturates at 255")

	s.ReleaseNoSleepLock()
	assert.True(t, s.DoesSleep())
	s.AcquireNoSleepLock()
	assert.False(t, s.DoesSleep(), "extra releases do not bank")
}

func TestNoSleepLockKeepsDeviceAwake(t *testing.T) {
	b := sim.NewESP32()
	tr := &trace{}
	s := newScheduler(t, b, sched.DefaultConfig(), tr)

	st := &stamp{b: b, s: s}
	s.AcquireNoSleepLock()
	s.ScheduleDelayed(sched.Runner(st), 2000)
	s.ScheduleDelayed(sched.Func(s.ReleaseNoSleepLock), 1000)
	b.PowerOffAt(2500)

	b.Boot(s.RunForever)
	require.Equal(t, 1, st.ran)
	assert.Equal(t, uint64(2000), st.elapsed)

	sleep, ok := tr.first(sched.StatusSleep)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), sleep.Uptime, "deep sleep only after the release")
}

func TestSleepDelayGrace(t *testing.T) {
	b := sim.NewESP32()
	tr := &trace{}
	cfg := sched.DefaultConfig()
	cfg.SleepDelayMs = 100
	s := newScheduler(t, b, cfg, tr)

	st := &stamp{b: b, s: s}
	s.Schedule(sched.Func(func() {}))
	s.ScheduleDelayed(sched.Runner(st), 1000)
	b.PowerOffAt(1500)

	b.Boot(s.RunForever)
	sleep, ok := tr.first(sched.StatusSleep)
	require.True(t, ok)
	assert.Equal(t, uint32(100), sleep.Uptime)
	assert.Equal(t, uint64(1000), st.elapsed)
}

func TestAwakeIndicator(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		b := sim.NewESP32()
		cfg := sched.DefaultConfig()
		cfg.AwakeIndicator = enabled
		s := newScheduler(t, b, cfg, nil)
		s.ScheduleDelayed(sched.Func(func() {}), 1000)
		b.PowerOffAt(2000)

		b.Boot(s.RunForever)
		if enabled {
			assert.GreaterOrEqual(t, b.AwakeToggles(), 3)
			assert.False(t, b.Awake(), "asleep at power off")
		} else {
			assert.Zero(t, b.AwakeToggles())
		}
	}
}

func TestOneSchedulerPerPlatform(t *testing.T) {
	b := sim.NewAVR()
	_, err := sched.New(b, sched.DefaultConfig())
	require.NoError(t, err)

	_, err = sched.New(b, sched.DefaultConfig())
	assert.ErrorIs(t, err, sched.ErrPlatformInUse)
}

func TestSupervisionSnapshot(t *testing.T) {
	b := sim.NewESP32()
	cfg := sched.DefaultConfig()
	s := newScheduler(t, b, cfg, nil)

	sv := s.Supervision()
	assert.Equal(t, sched.Timeout8s, sv.Timeout)
	assert.Equal(t, sched.Timeout1s, sv.CallbackTimeout)
	assert.False(t, sv.HasCallback)
	assert.Equal(t, sched.SupervisionDisabled, sv.State)

	s.SetSupervisionTimeout(sched.Timeout2s)
	s.SetSupervisionCallback(sched.Func(func() {}))
	sv = s.Supervision()
	assert.Equal(t, sched.Timeout2s, sv.Timeout)
	assert.True(t, sv.HasCallback)
}
