// internal/sched/scheduler.go

package sched

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// maxNoSleepLocks is where AcquireNoSleepLock saturates.
const maxNoSleepLocks = 255

// Scheduler runs deferred tasks in uptime order on the main loop and puts
// the device to sleep in between.
//
// Every method except Run may be called from interrupt context.
type Scheduler struct {
	platform Platform
	profile  Profile
	policy   *SleepPolicy
	wdt      supervisor
	log      zerolog.Logger
	tracer   func(StatusEvent)
	awake    AwakeIndicator

	// guarded by the platform critical section
	queue       taskQueue
	clock       clock
	current     *Task
	locks       uint8
	chainTarget uint32

	// main loop only
	lastFinishedRaw uint32
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithTracer receives every StatusEvent. It is called from interrupt
// context too and must not block.
func WithTracer(fn func(StatusEvent)) Option {
	return func(s *Scheduler) { s.tracer = fn }
}

// New binds a scheduler to p. A platform hosts one scheduler only; a second
// New on the same platform fails with ErrPlatformInUse.
func New(p Platform, cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = cfg.clamped()
	s := &Scheduler{
		platform: p,
		profile:  p.Profile(),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.policy = NewSleepPolicy(s.profile, cfg)
	s.wdt = supervisor{
		platform:        p,
		log:             s.log,
		emit:            s.emit,
		timeout:         cfg.TaskTimeout,
		callbackTimeout: cfg.CallbackTimeout,
		canCallback:     s.profile.CallbackSupported,
	}
	if cfg.AwakeIndicator {
		if ind, ok := p.(AwakeIndicator); ok {
			s.awake = ind
		}
	}
	if err := p.Attach(s.onWatchdog); err != nil {
		return nil, fmt.Errorf("attach %s: %w", s.profile.Name, err)
	}
	s.lastFinishedRaw = p.Millis()
	return s, nil
}

// Schedule runs a as soon as possible, after tasks already due now.
func (s *Scheduler) Schedule(a Action) {
	s.enqueue(a, 0, false)
}

// ScheduleOnce is Schedule that first drops every pending instance of a, so
// a burst of calls (an interrupt storm) runs a once.
func (s *Scheduler) ScheduleOnce(a Action) {
	s.enqueue(a, 0, true)
}

// ScheduleDelayed runs a delayMs milliseconds from now.
func (s *Scheduler) ScheduleDelayed(a Action, delayMs uint32) {
	s.enqueue(a, delayMs, false)
}

// ScheduleAt runs a at the given uptime. On platforms whose uptime stops
// while the queue is empty, this is uptime, not wall time.
func (s *Scheduler) ScheduleAt(a Action, uptimeMs uint32) {
	if s.rejectZero(a) {
		return
	}
	st := s.platform.DisableInterrupts()
	t := newTask(a, uptimeMs)
	s.queue.insert(t)
	now := s.clock.now(s.platform.Millis())
	s.platform.RestoreInterrupts(st)
	s.emit(StatusEvent{Uptime: now, Kind: StatusEnqueue, Deadline: uptimeMs})
}

// ScheduleAtFrontOfQueue makes a the next task to run, ahead of anything
// already due.
func (s *Scheduler) ScheduleAtFrontOfQueue(a Action) {
	if s.rejectZero(a) {
		return
	}
	st := s.platform.DisableInterrupts()
	now := s.clock.now(s.platform.Millis())
	s.queue.pushFront(newTask(a, now))
	s.platform.RestoreInterrupts(st)
	s.emit(StatusEvent{Uptime: now, Kind: StatusEnqueue, Deadline: now})
}

func (s *Scheduler) enqueue(a Action, delayMs uint32, once bool) {
	if s.rejectZero(a) {
		return
	}
	st := s.platform.DisableInterrupts()
	now := s.clock.now(s.platform.Millis())
	t := newTask(a, now+delayMs)
	if once {
		s.queue.insertReplacing(t)
	} else {
		s.queue.insert(t)
	}
	s.platform.RestoreInterrupts(st)
	s.emit(StatusEvent{Uptime: now, Kind: StatusEnqueue, Deadline: now + delayMs})
}

// rejectZero drops an empty action instead of queueing a task that would
// panic on the main loop and reset the device.
func (s *Scheduler) rejectZero(a Action) bool {
	if !a.IsZero() {
		return false
	}
	s.log.Warn().Msg("ignoring empty action")
	return true
}

// IsScheduled reports whether a is pending. It walks the whole queue.
func (s *Scheduler) IsScheduled(a Action) bool {
	st := s.platform.DisableInterrupts()
	defer s.platform.RestoreInterrupts(st)
	return s.queue.contains(a)
}

// RemoveScheduled cancels every pending instance of a. A task that is
// already running is not affected.
func (s *Scheduler) RemoveScheduled(a Action) {
	st := s.platform.DisableInterrupts()
	n := s.queue.remove(a)
	s.platform.RestoreInterrupts(st)
	if n > 0 {
		s.log.Debug().Int("removed", n).Msg("cancelled scheduled tasks")
	}
}

// ScheduleTimeOfCurrentTask returns the uptime the running task was
// scheduled for; ok is false when no task is running.
func (s *Scheduler) ScheduleTimeOfCurrentTask() (uptime uint32, ok bool) {
	st := s.platform.DisableInterrupts()
	defer s.platform.RestoreInterrupts(st)
	if s.current == nil {
		return 0, false
	}
	return s.current.uptime, true
}

// AcquireNoSleepLock keeps the device out of deep sleep until the matching
// release. It saturates at 255.
func (s *Scheduler) AcquireNoSleepLock() {
	st := s.platform.DisableInterrupts()
	if s.locks < maxNoSleepLocks {
		s.locks++
	}
	s.platform.RestoreInterrupts(st)
}

// ReleaseNoSleepLock releases one lock. Extra releases are ignored.
func (s *Scheduler) ReleaseNoSleepLock() {
	st := s.platform.DisableInterrupts()
	if s.locks > 0 {
		s.locks--
	}
	s.platform.RestoreInterrupts(st)
}

// DoesSleep reports whether deep sleep is currently allowed.
func (s *Scheduler) DoesSleep() bool {
	st := s.platform.DisableInterrupts()
	defer s.platform.RestoreInterrupts(st)
	return s.locks == 0
}

// SetSupervisionTimeout sets the class used from the next time supervision
// is armed. NoSupervision turns it off.
func (s *Scheduler) SetSupervisionTimeout(t Timeout) {
	if t > NoSupervision {
		t = NoSupervision
	}
	st := s.platform.DisableInterrupts()
	s.wdt.timeout = t
	s.platform.RestoreInterrupts(st)
}

// SetSupervisionCallback sets the action run from the watchdog interrupt
// when a task overruns, before the device resets. It runs under its own
// timeout and must not wait on the main loop.
func (s *Scheduler) SetSupervisionCallback(a Action) {
	if !a.IsZero() && !s.profile.CallbackSupported {
		s.log.Warn().Str("platform", s.profile.Name).Msg("supervision callback not supported, it will not run")
	}
	st := s.platform.DisableInterrupts()
	s.wdt.callback = a
	s.platform.RestoreInterrupts(st)
}

// Pet resets the supervision countdown. Long running tasks call it to get
// another full timeout.
func (s *Scheduler) Pet() {
	s.wdt.pet()
}

// Supervision returns the current supervision settings and state.
func (s *Scheduler) Supervision() Supervision {
	return s.wdt.snapshot()
}

// Now returns the uptime in milliseconds including time spent asleep.
func (s *Scheduler) Now() uint32 {
	st := s.platform.DisableInterrupts()
	defer s.platform.RestoreInterrupts(st)
	return s.clock.now(s.platform.Millis())
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	st := s.platform.DisableInterrupts()
	defer s.platform.RestoreInterrupts(st)
	return s.queue.len()
}

// RunForever is the main loop entry point. It does not return.
func (s *Scheduler) RunForever() {
	_ = s.Run(context.Background())
}

// Run drives the main loop until ctx is done: run every due task, sleep as
// deep as the queue allows, reconcile after waking.
func (s *Scheduler) Run(ctx context.Context) error {
	s.wdt.arm()
	s.setAwake(true)
	for {
		if err := ctx.Err(); err != nil {
			s.wdt.disarm()
			return err
		}
		for s.runNextIfDue() {
		}
		s.sleepIfRequired()
		s.reconcile()
	}
}

// runNextIfDue pops and runs the head when it is due.
func (s *Scheduler) runNextIfDue() bool {
	st := s.platform.DisableInterrupts()
	now := s.clock.now(s.platform.Millis())
	t := s.queue.popDue(now)
	s.current = t
	s.platform.RestoreInterrupts(st)
	if t == nil {
		return false
	}

	s.emit(StatusEvent{Uptime: now, Kind: StatusDispatch, Deadline: t.uptime})
	s.wdt.pet()
	start := s.platform.Millis()
	if failure := execute(t); failure != nil {
		s.log.Error().Interface("panic", failure).Uint32("deadline", t.uptime).Msg("task panicked")
		s.wdt.expire(s.Now())
	}
	s.wdt.pet()
	s.lastFinishedRaw = s.platform.Millis()

	st = s.platform.DisableInterrupts()
	s.current = nil
	finished := s.clock.now(s.platform.Millis())
	s.platform.RestoreInterrupts(st)
	s.emit(StatusEvent{Uptime: finished, Kind: StatusFinish, Deadline: t.uptime, DurationMs: s.lastFinishedRaw - start})
	release(t)
	return true
}

// execute runs the task and returns the recovered panic value, if any.
func execute(t *Task) (failure any) {
	defer func() {
		failure = recover()
	}()
	t.action.run()
	return nil
}

func (s *Scheduler) sleepIfRequired() {
	st := s.platform.DisableInterrupts()
	in := PolicyInput{
		QueueEmpty:    s.queue.empty(),
		Now:           s.clock.now(s.platform.Millis()),
		Locked:        s.locks != 0,
		NapResidualMs: s.clock.napMs,
		ChainTarget:   s.chainTarget,
	}
	in.Deadline, _ = s.queue.peek()
	s.platform.RestoreInterrupts(st)
	in.SinceLastTaskMs = s.platform.Millis() - s.lastFinishedRaw

	d := s.policy.Decide(in)
	switch d.Mode {
	case NoSleep:
		return
	case Idle:
		s.emit(StatusEvent{Uptime: in.Now, Kind: StatusIdle, Mode: Idle, Deadline: in.Deadline})
		s.setAwake(false)
		s.platform.Sleep(Idle, 0)
		s.setAwake(true)
		return
	}

	switch {
	case d.Resume:
		s.log.Debug().Uint32("residual", in.NapResidualMs).Msg("continue nap")
		s.emit(StatusEvent{Uptime: in.Now, Kind: StatusNap, Mode: Sleep, DurationMs: in.NapResidualMs, Deadline: in.ChainTarget})
		s.setAwake(false)
		s.platform.Sleep(Sleep, in.NapResidualMs)
	case d.Nap.Millis != 0:
		st = s.platform.DisableInterrupts()
		s.chainTarget = in.Deadline
		s.clock.beginNap(d.Nap.Millis, s.platform.Millis())
		s.wdt.armNapLocked(d.Nap)
		s.platform.RestoreInterrupts(st)
		s.log.Debug().Str("nap", d.Nap.Timeout.String()).Uint32("deadline", in.Deadline).Msg("nap")
		s.emit(StatusEvent{Uptime: in.Now, Kind: StatusNap, Mode: Sleep, DurationMs: d.Nap.Millis, Deadline: in.Deadline})
		s.setAwake(false)
		s.platform.Sleep(Sleep, d.Nap.Millis)
	default:
		s.wdt.disarm()
		s.log.Debug().Uint32("duration", d.DurationMs).Bool("until_interrupt", d.DurationMs == 0).Msg("sleep")
		s.emit(StatusEvent{Uptime: in.Now, Kind: StatusSleep, Mode: Sleep, DurationMs: d.DurationMs, Deadline: in.Deadline})
		s.setAwake(false)
		s.platform.Sleep(Sleep, d.DurationMs)
	}
	s.setAwake(true)
	s.emit(StatusEvent{Uptime: s.Now(), Kind: StatusWake, ByTimer: s.platform.WokeByTimer()})
}

// reconcile re-arms supervision unless a nap is still in flight, in which
// case the last wake came from another interrupt and the nap keeps the
// watchdog until it fires.
func (s *Scheduler) reconcile() {
	st := s.platform.DisableInterrupts()
	napping := s.clock.napping()
	s.platform.RestoreInterrupts(st)
	if napping {
		return
	}
	s.wdt.resume()
}

// onWatchdog is the watchdog interrupt handler. It either closes a nap and
// corrects the clock, or escalates an overrunning task.
func (s *Scheduler) onWatchdog() {
	st := s.platform.DisableInterrupts()
	raw := s.platform.Millis()
	nap := s.clock.credit(raw)
	now := s.clock.now(raw)
	s.platform.RestoreInterrupts(st)

	if nap != 0 {
		// the main loop may be running a task picked up between nap steps,
		// so supervision comes back right here rather than after the wake
		s.wdt.resume()
		return
	}
	s.wdt.expire(now)
}

func (s *Scheduler) setAwake(awake bool) {
	if s.awake != nil {
		s.awake.SetAwake(awake)
	}
}

func (s *Scheduler) emit(ev StatusEvent) {
	if s.tracer != nil {
		s.tracer(ev)
	}
}
