// Package config holds the process-wide configuration snapshot. Loading
// parses a YAML file into an immutable Config; a Holder publishes the current
// snapshot behind an atomic pointer so readers never observe a partially
// updated value during reload.
package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amonhq/amon/internal/amonerr"
)

// Config is one immutable configuration snapshot. Fields mirror the
// documented defaults; zero values are normalized by applyDefaults.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Runtime struct {
		MaxParallelNodes int     `yaml:"max_parallel_nodes"`
		MaxParallelRuns  int     `yaml:"max_parallel_runs"`
		CancelGraceS     float64 `yaml:"cancel_grace_s"`
		InactivityS      float64 `yaml:"inactivity_s"`
		HardS            float64 `yaml:"hard_s"`
	} `yaml:"runtime"`

	Stream struct {
		RecoveryWindow int `yaml:"recovery_window"`
	} `yaml:"stream"`

	Bus struct {
		BufferSize    int     `yaml:"buffer_size"`
		DedupeWindowS float64 `yaml:"dedupe_window_s"`
	} `yaml:"bus"`

	Daemon struct {
		DebounceMS          int     `yaml:"debounce_ms"`
		MisfireGraceSeconds int     `yaml:"misfire_grace_seconds"`
		JitterSeconds       int     `yaml:"jitter_seconds"`
		CooldownSeconds     int     `yaml:"cooldown_seconds"`
		MaxConcurrency      int     `yaml:"max_concurrency"`
		AutomationBudget    float64 `yaml:"automation_budget_daily"`
	} `yaml:"daemon"`

	Billing struct {
		DailyBudget      float64 `yaml:"daily_budget"`
		PerProjectBudget float64 `yaml:"per_project_budget"`
	} `yaml:"billing"`

	TrashRetainDays int   `yaml:"trash_retain_days"`
	RotateBytes     int64 `yaml:"rotate_bytes"`
}

// Default returns a Config populated with the documented defaults. AMON_HOME
// and AMON_DATA_DIR override the data directory, in that order of precedence.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = dataDirFromEnv()
	}
	if c.Runtime.MaxParallelNodes == 0 {
		c.Runtime.MaxParallelNodes = 4
	}
	if c.Runtime.MaxParallelRuns == 0 {
		c.Runtime.MaxParallelRuns = 2
	}
	if c.Runtime.CancelGraceS == 0 {
		c.Runtime.CancelGraceS = 5
	}
	if c.Runtime.InactivityS == 0 {
		c.Runtime.InactivityS = 60
	}
	if c.Runtime.HardS == 0 {
		c.Runtime.HardS = 600
	}
	if c.Stream.RecoveryWindow == 0 {
		c.Stream.RecoveryWindow = 10000
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 1024
	}
	if c.Bus.DedupeWindowS == 0 {
		c.Bus.DedupeWindowS = 30
	}
	if c.Daemon.DebounceMS == 0 {
		c.Daemon.DebounceMS = 800
	}
	if c.Daemon.MisfireGraceSeconds == 0 {
		c.Daemon.MisfireGraceSeconds = 300
	}
	if c.Daemon.JitterSeconds == 0 {
		c.Daemon.JitterSeconds = 30
	}
	if c.Daemon.CooldownSeconds == 0 {
		c.Daemon.CooldownSeconds = 30
	}
	if c.Daemon.MaxConcurrency == 0 {
		c.Daemon.MaxConcurrency = 1
	}
	if c.TrashRetainDays == 0 {
		c.TrashRetainDays = 30
	}
	if c.RotateBytes == 0 {
		c.RotateBytes = 64 * 1024 * 1024
	}
}

func dataDirFromEnv() string {
	if home := os.Getenv("AMON_HOME"); home != "" {
		return home
	}
	if dir := os.Getenv("AMON_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amon-data"
	}
	return filepath.Join(home, ".amon")
}

// Load parses the YAML file at path, normalizes defaults, and returns the
// resulting snapshot. A missing file yields Default() without error; a
// malformed file is CONFIG_INVALID.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, amonerr.Wrap(amonerr.IOError, "", "config read", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, amonerr.Wrap(amonerr.ConfigInvalid, "", "config parse", err)
	}
	c.applyDefaults()
	return c, nil
}

// CancelGrace returns the cancellation grace period as a duration.
func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.Runtime.CancelGraceS * float64(time.Second))
}

// Holder publishes the current Config snapshot. Replace swaps the snapshot
// atomically; Current never blocks and never observes a torn value.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder seeds a Holder with the given snapshot.
func NewHolder(c Config) *Holder {
	h := &Holder{}
	h.v.Store(&c)
	return h
}

// Current returns the live snapshot.
func (h *Holder) Current() Config { return *h.v.Load() }

// Replace publishes a new snapshot.
func (h *Holder) Replace(c Config) { h.v.Store(&c) }
