package sched

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	TickMS          int     `yaml:"tick_ms"`          // 1 (by default), host board counter resolution
	TaskTimeout     Timeout `yaml:"task_timeout"`     // 8s (by default)
	CallbackTimeout Timeout `yaml:"callback_timeout"` // 1s (by default)
	SleepDelayMs    int     `yaml:"sleep_delay_ms"`   // grace after a task before deep sleep, 0 = off
	MinSleepMs      int     `yaml:"min_sleep_ms"`     // 0 = platform default
	BufferMs        int     `yaml:"buffer_ms"`        // 2 (by default)
	AwakeIndicator  bool    `yaml:"awake_indicator"`
	LogLevel        string  `yaml:"log_level"`
	TraceCSV        string  `yaml:"trace_csv"`
}

// DefaultConfig is used when no config file is given or it cannot be read.
func DefaultConfig() Config {
	return Config{
		TickMS:          1,
		TaskTimeout:     Timeout8s,
		CallbackTimeout: Timeout1s,
		BufferMs:        DefaultBufferMs,
		LogLevel:        "info",
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	parsed, err := Parse(data)
	if err != nil {
		return cfg
	}
	return parsed
}

// Parse decodes YAML on top of the defaults. Unlike Load it reports bad
// input, which the hot reload path needs to keep the previous settings.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.clamped(), nil
}

// MaxDelayMs bounds the millisecond settings so that their sums stay far
// from the 32-bit wrap of the uptime arithmetic.
const MaxDelayMs = 24 * 60 * 60 * 1000

// sanity clamps
func (c Config) clamped() Config {
	if c.TickMS <= 0 {
		c.TickMS = 1
	}
	if c.TickMS > 1000 {
		c.TickMS = 1000
	}
	if c.BufferMs <= 0 {
		c.BufferMs = DefaultBufferMs
	}
	c.BufferMs = min(c.BufferMs, MaxDelayMs)
	c.SleepDelayMs = max(min(c.SleepDelayMs, MaxDelayMs), 0)
	c.MinSleepMs = max(min(c.MinSleepMs, MaxDelayMs), 0)
	if c.TaskTimeout > NoSupervision {
		c.TaskTimeout = Timeout8s
	}
	// the callback needs a real bound
	if c.CallbackTimeout >= NoSupervision {
		c.CallbackTimeout = Timeout1s
	}
	return c
}
