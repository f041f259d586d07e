package job

import (
	"github.com/rs/zerolog"

	"dsched/internal/sched"
)

// Blinker toggles an output every PeriodMs, rescheduling itself relative to
// the time it actually ran.
type Blinker struct {
	PeriodMs uint32
	Set      func(on bool)

	sched   Scheduler
	on      bool
	toggles int
}

func NewBlinker(s Scheduler, periodMs uint32, set func(bool)) *Blinker {
	return &Blinker{PeriodMs: periodMs, Set: set, sched: s}
}

// Start queues the first toggle.
func (b *Blinker) Start() { b.sched.ScheduleDelayed(sched.Runner(b), b.PeriodMs) }

// Stop cancels the pending toggle.
func (b *Blinker) Stop() { b.sched.RemoveScheduled(sched.Runner(b)) }

func (b *Blinker) Run() {
	b.on = !b.on
	b.toggles++
	if b.Set != nil {
		b.Set(b.on)
	}
	b.sched.ScheduleDelayed(sched.Runner(b), b.PeriodMs)
}

func (b *Blinker) Toggles() int { return b.toggles }

// Sample is one reading and the uptime it was scheduled for.
type Sample struct {
	Uptime uint32
	Value  int
}

// Sampler reads a sensor on a fixed grid: the next reading is scheduled
// from the planned time of the current one, so a late run does not shift
// the following ones. The reading holds a no-sleep lock, since a conversion
// needs the peripheral clocks running.
type Sampler struct {
	PeriodMs uint32
	Read     func() int
	Keep     int // samples kept, oldest dropped first

	sched   Scheduler
	log     zerolog.Logger
	samples []Sample
}

func NewSampler(s Scheduler, periodMs uint32, read func() int, log zerolog.Logger) *Sampler {
	return &Sampler{PeriodMs: periodMs, Read: read, Keep: 16, sched: s, log: log}
}

// StartAt queues the first reading at the given uptime.
func (p *Sampler) StartAt(uptime uint32) { p.sched.ScheduleAt(sched.Runner(p), uptime) }

func (p *Sampler) Stop() { p.sched.RemoveScheduled(sched.Runner(p)) }

func (p *Sampler) Run() {
	planned, ok := p.sched.ScheduleTimeOfCurrentTask()
	if !ok {
		return
	}
	p.sched.AcquireNoSleepLock()
	v := p.Read()
	p.sched.ReleaseNoSleepLock()

	p.samples = append(p.samples, Sample{Uptime: planned, Value: v})
	if p.Keep > 0 && len(p.samples) > p.Keep {
		p.samples = p.samples[len(p.samples)-p.Keep:]
	}
	p.log.Debug().Uint32("uptime", planned).Int("value", v).Msg("sample")
	p.sched.ScheduleAt(sched.Runner(p), planned+p.PeriodMs)
}

// Samples returns the kept readings, oldest first.
func (p *Sampler) Samples() []Sample { return append([]Sample(nil), p.samples...) }
