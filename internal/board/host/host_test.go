package host

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsched/internal/sched"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
}

func TestTickClock(t *testing.T) {
	c := NewTickClock()
	c.Start(time.Millisecond)
	defer c.Stop()

	select {
	case <-c.Ch:
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Positive(t, c.Count())
	assert.GreaterOrEqual(t, c.Millis(), uint32(20))
}

func TestBoardRunsScheduler(t *testing.T) {
	b := NewBoard(time.Millisecond, WithLogger(testLogger(t)), WithResetHandler(func() {}))
	s, err := sched.New(b, sched.DefaultConfig(), sched.WithLogger(testLogger(t)))
	require.NoError(t, err)

	_, err = sched.New(b, sched.DefaultConfig())
	assert.ErrorIs(t, err, sched.ErrPlatformInUse)

	ran := make(chan uint32, 1)
	start := s.Now()
	s.ScheduleDelayed(sched.Func(func() { ran <- s.Now() }), 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at-start, uint32(50))
		assert.Less(t, at-start, uint32(1000))
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}

	// an external interrupt ends the empty-queue sleep
	woke := make(chan struct{})
	b.Interrupt(func() { s.Schedule(sched.Func(func() { close(woke) })) })
	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not wake the loop")
	}

	cancel()
	b.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBoardWatchdogEscalates(t *testing.T) {
	var resets atomic.Int32
	resetCh := make(chan struct{}, 1)
	b := NewBoard(time.Millisecond, WithLogger(testLogger(t)), WithResetHandler(func() {
		resets.Add(1)
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}))
	defer b.Close()

	cfg := sched.DefaultConfig()
	cfg.TaskTimeout = sched.Timeout60ms
	s, err := sched.New(b, cfg, sched.WithLogger(testLogger(t)))
	require.NoError(t, err)

	var called atomic.Bool
	s.SetSupervisionCallback(sched.Func(func() { called.Store(true) }))
	release := make(chan struct{})
	s.Schedule(sched.Func(func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case <-resetCh:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not reset")
	}
	assert.True(t, called.Load())
	assert.Positive(t, resets.Load())
	assert.Equal(t, sched.SupervisionEscalating, s.Supervision().State)
	close(release)
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("task_timeout: 8s\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan sched.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(ctx, path, testLogger(t), func(c sched.Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()

	deadline := time.After(10 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte("task_timeout: 2s\n"), 0o644))
		select {
		case c := <-got:
			assert.Equal(t, sched.Timeout2s, c.TaskTimeout)
			cancel()
			assert.NoError(t, <-done)
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload")
		}
	}
}

func TestWatchConfigMissingDir(t *testing.T) {
	err := WatchConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "config.yml"), testLogger(t), func(sched.Config) {})
	assert.Error(t, err)
}
