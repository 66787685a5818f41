// Package config loads gtvcore's JSON configuration file, the same
// shape as the teacher's config/setting.go: a top-level struct read from
// disk (path overridable by an environment variable), defaults filled
// and validated on load, and a Reload for hot reconfiguration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const envPath = "GTVCORE_CONFIG"
const defaultPath = "config/setting.json"

// Log mirrors the teacher's log config block.
type Log struct {
	Level      string `json:"level"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Archive configures optional S3 upload of closed recordings
// (internal/archive), the nishisan-dev-n-backup-grounded domain
// extension named in SPEC_FULL.md §3.
type Archive struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Rule describes one upstream connection or playlist the operator wants
// gtvcore to manage at startup, and which transport to drive it with.
type Rule struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Files    []string `json:"files"`
	Loop     int      `json:"loop"`
	Transport string  `json:"transport"` // "tcp" (default), "quic", or "auto"
	Username string   `json:"username"`
	Password string   `json:"password"`
}

// Config is gtvcore's root configuration, matching the named options in
// §6 of the protocol spec plus the ambient/domain additions from
// SPEC_FULL.md.
type Config struct {
	Log Log `json:"log"`

	// §6 named options, defaults as specified there.
	Timeout       int    `json:"mvd_timeout"`
	SuspendTime   int    `json:"mvd_suspend_time"`
	WaitDelay     int    `json:"mvd_wait_delay"`
	WaitPercent   int    `json:"mvd_wait_percent"`
	BufferSize    int    `json:"mvd_buffer_size"`
	Username      string `json:"mvd_username"`
	Password      string `json:"mvd_password"`
	ShowNet       int    `json:"mvd_shownet"`

	Rules []*Rule `json:"rules"`

	Archive Archive `json:"archive"`

	// HousekeepingCron is a robfig/cron/v3 schedule expression driving
	// internal/registry's periodic recording sweep (SPEC_FULL.md §3).
	HousekeepingCron string `json:"housekeeping_cron"`
	// RecordingRetention is how long a closed recording must go
	// unmodified before the housekeeping sweep archives it (when
	// archiving is enabled) and drops its channel from the registry. The
	// sweep leaves the file itself on local disk.
	RecordingRetentionHours int `json:"recording_retention_hours"`

	MetricsAddr string `json:"metrics_addr"`

	RateLimit RateLimit `json:"rate_limit"`
}

// RateLimit configures internal/ratelimit's go-cache dedupe window and
// x/time/rate pacing.
type RateLimit struct {
	StringCmdPerMinute int `json:"stringcmd_per_minute"`
	ReconnectBurst     int `json:"reconnect_burst"`
}

// Global holds the process-wide effective configuration.
var Global *Config

func init() {
	path := os.Getenv(envPath)
	if path == "" {
		path = defaultPath
	}
	cfg, err := load(path)
	if err != nil {
		fmt.Printf("config: using defaults (%s)\n", err)
		cfg = defaults()
	}
	Global = cfg
}

func defaults() *Config {
	return &Config{
		Log: Log{Level: "info", Path: "gtvcore.log", MaxSizeMB: 1024, MaxBackups: 5, MaxAgeDays: 30},
		Timeout:                 90,
		SuspendTime:             5,
		WaitDelay:               20,
		WaitPercent:             35,
		BufferSize:              3,
		ShowNet:                 -1,
		HousekeepingCron:        "@every 5m",
		RecordingRetentionHours: 24 * 7,
		MetricsAddr:             ":9477",
		RateLimit:               RateLimit{StringCmdPerMinute: 10, ReconnectBurst: 3},
	}
}

func load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}
	clampAndVerify(cfg)
	return cfg, nil
}

// clampAndVerify fills in zero-valued fields with defaults and enforces
// the invariants the spec calls out (buffer_size clamped to [2,10]).
func clampAndVerify(cfg *Config) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 90
	}
	if cfg.SuspendTime == 0 {
		cfg.SuspendTime = 5
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 20
	}
	if cfg.WaitPercent == 0 {
		cfg.WaitPercent = 35
	}
	if cfg.BufferSize < 2 {
		cfg.BufferSize = 2
	}
	if cfg.BufferSize > 10 {
		cfg.BufferSize = 10
	}
	for i, r := range cfg.Rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule%d", i)
		}
		if r.Transport == "" {
			r.Transport = "tcp"
		}
	}
}

// Reload re-reads path and replaces Global, mirroring the teacher's
// config.Reload.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *Config) TimeoutDuration() time.Duration { return time.Duration(c.Timeout) * time.Second }

// SuspendDuration returns SuspendTime (minutes) as a time.Duration.
func (c *Config) SuspendDuration() time.Duration {
	return time.Duration(c.SuspendTime) * time.Minute
}
