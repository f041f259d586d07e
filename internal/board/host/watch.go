package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"dsched/internal/sched"
)

// reloadDebounce lets an editor finish writing before the file is read.
const reloadDebounce = 250 * time.Millisecond

// WatchConfig calls apply with the new configuration whenever the file at
// path changes, until ctx is done. A file that does not parse is logged and
// skipped, the previous settings stay.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger, apply func(sched.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	// watch the directory: editors replace the file instead of writing it
	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config read failed")
			return
		}
		cfg, err := sched.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config rejected")
			return
		}
		log.Info().Str("path", path).Str("task_timeout", cfg.TaskTimeout.String()).Msg("config reloaded")
		apply(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		log.Debug().Str("path", path).Msg("config change detected; scheduling reload")
		timer = time.AfterFunc(reloadDebounce, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watch error")
		}
	}
}
