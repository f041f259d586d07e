package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dsched/internal/board/host"
	"dsched/internal/job"
	"dsched/internal/sched"
)

const consoleTimeFormat = "15:04:05.000"

func main() {
	cfgPath := flag.String("config", "config.yml", "path to the YAML config")
	flag.Parse()

	// Read the configuration
	cfg := sched.Load(*cfgPath)
	log := newLogger(cfg.LogLevel)
	log.Info().Interface("config", cfg).Msg("loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *cfgPath, log); err != nil {
		log.Fatal().Err(err).Msg("sleepsched")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.ErrorFieldName = "err"
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg sched.Config, cfgPath string, log zerolog.Logger) error {
	board := host.NewBoard(time.Duration(cfg.TickMS)*time.Millisecond, host.WithLogger(log.With().Str("board", "host").Logger()))

	opts := []sched.Option{sched.WithLogger(log.With().Str("component", "sched").Logger())}
	if cfg.TraceCSV != "" {
		tr, err := openTrace(cfg.TraceCSV)
		if err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer tr.Close()
		opts = append(opts, sched.WithTracer(tr.Write))
	}

	s, err := sched.New(board, cfg, opts...)
	if err != nil {
		return err
	}

	s.SetSupervisionCallback(sched.Func(func() {
		log.Error().Uint32("uptime", s.Now()).Msg("task overran, saving state before reset")
	}))

	blink := job.NewBlinker(s, 1000, func(on bool) {
		log.Debug().Bool("led", on).Msg("blink")
	})
	blink.Start()

	sampler := job.NewSampler(s, 5000, func() int { return 20 + rand.Intn(5) }, log)
	sampler.StartAt(s.Now() + 500)

	button := job.NewButton(s, 30, func() {
		s.Schedule(sched.Func(job.Work(job.HostBurner{}, 50)))
		log.Info().Uint32("uptime", s.Now()).Msg("button pressed")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		return pressButton(gctx, board, button)
	})
	g.Go(func() error {
		err := host.WatchConfig(gctx, cfgPath, log, func(c sched.Config) {
			s.SetSupervisionTimeout(c.TaskTimeout)
		})
		if err != nil {
			// running without hot reload is fine
			log.Warn().Err(err).Msg("config watch disabled")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		board.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Int("pending", s.Pending()).Int("blinks", blink.Toggles()).Int64("presses", button.Presses()).Msg("stopped")
	return err
}

// pressButton fakes a bouncing push button: a burst of edges every few
// seconds, delivered as external interrupts.
func pressButton(ctx context.Context, board *host.Board, b *job.Button) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(3000+rand.Intn(4000)) * time.Millisecond):
		}
		for i := 0; i < 1+rand.Intn(5); i++ {
			board.Interrupt(b.Press)
			time.Sleep(time.Duration(1+rand.Intn(5)) * time.Millisecond)
		}
	}
}

// csvTrace writes StatusEvents as CSV rows.
type csvTrace struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func openTrace(path string) (*csvTrace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)

	// write header
	w.Write([]string{"timestamp", "uptime", "event", "mode", "duration_ms", "deadline", "by_timer"})
	w.Flush()
	return &csvTrace{f: f, w: w}, nil
}

func (t *csvTrace) Write(ev sched.StatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Write([]string{
		time.Now().Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(ev.Uptime), 10),
		ev.Kind.String(),
		ev.Mode.String(),
		strconv.FormatUint(uint64(ev.DurationMs), 10),
		strconv.FormatUint(uint64(ev.Deadline), 10),
		strconv.FormatBool(ev.ByTimer),
	})
	t.w.Flush()
}

func (t *csvTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	return t.f.Close()
}
