package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// The file may be JSON or YAML; YAML is coerced to JSON and decoded strictly,
// so unknown keys are rejected on load and on hot reload.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the tracking store (per-user per-day records).
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the periodic decision pass over user preferences.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Preferences points at the per-user schedule preference source.
	Preferences PreferencesConfig `json:"preferences"`

	// Jobs controls the job execution pipeline that scheduled work is
	// handed off to.
	Jobs JobsConfig `json:"jobs"`

	Reaper ReaperConfig `json:"reaper,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the tracking store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process only; survives nothing, useful for dev runs
//
// Retention is how long records are kept before the reaper may remove them
// (advisory TTL; an expired-but-present record still counts as scheduled).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // default "720h" (30 days)
}

// SchedulerConfig controls the tick loop.
//
// Interval is how often a decision pass runs (default "5m").
// Tolerance is the window after each user's preferred time during which a
// missed tick can still be recovered (default "5m").
// Timezone is the reference timezone for day keys and time-of-day matching
// (default "UTC"). User-local timezones are out of scope.
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	Tolerance   string `json:"tolerance,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"` // per external call, default "10s"
}

// PreferencesConfig points at the schedule preference source.
// The file is re-read on every tick so edits take effect without a restart.
type PreferencesConfig struct {
	Path string `json:"path"`
}

// JobsConfig controls the job execution pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 0 (unlimited)
//   - retry_max: 3
//   - retry_base: "500ms", retry_max_delay: "15s"
//   - default_timeout: "0s" (disabled)
//
// Command, when set, is executed for each job with the JSON payload on stdin.
// This is the hand-off point to the summary delivery pipeline, which lives
// outside this daemon.
type JobsConfig struct {
	Workers        int      `json:"workers,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty"`
	RatePerSec     int      `json:"rate_per_sec,omitempty"`
	RetryMax       int      `json:"retry_max,omitempty"`
	RetryBase      string   `json:"retry_base,omitempty"`
	RetryMaxDelay  string   `json:"retry_max_delay,omitempty"`
	DefaultTimeout string   `json:"default_timeout,omitempty"`
	Command        []string `json:"command,omitempty"`
}

// ReaperConfig controls retention cleanup of expired tracking records.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false still turns the reaper off.
// Spec is a standard 5-field cron expression (default "0 3 * * *").
type ReaperConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Spec    string `json:"spec,omitempty"`
}
