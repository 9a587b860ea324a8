package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"summaryd/internal/config"
	"summaryd/internal/jobs"
	"summaryd/internal/scheduler"
	"summaryd/internal/tracking"
	logx "summaryd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (tracking.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return tracking.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, tracking.DefaultRetention)
	if err != nil {
		return tracking.Config{}, err
	}
	return tracking.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	tolerance, err := config.ParseDurationOrDefault("scheduler.tolerance", cfg.Scheduler.Tolerance, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	callTimeout, err := config.ParseDurationOrDefault("scheduler.call_timeout", cfg.Scheduler.CallTimeout, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Interval:    interval,
		Tolerance:   tolerance,
		Timezone:    cfg.Scheduler.Timezone,
		CallTimeout: callTimeout,
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("jobs.retry_base", cfg.Jobs.RetryBase, 500*time.Millisecond)
	if err != nil {
		return jobs.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("jobs.retry_max_delay", cfg.Jobs.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return jobs.Config{}, err
	}
	defTimeout, err := config.ParseDurationOrDefault("jobs.default_timeout", cfg.Jobs.DefaultTimeout, 0)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Workers:        cfg.Jobs.Workers,
		QueueSize:      cfg.Jobs.QueueSize,
		RatePerSec:     cfg.Jobs.RatePerSec,
		RetryMax:       cfg.Jobs.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		DefaultTimeout: defTimeout,
	}, nil
}

// ValidateConfig rejects a config before it is committed or hot-reloaded,
// so a bad edit can never take down a running daemon.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Preferences.Path) == "" {
		return fmt.Errorf("preferences.path is required while scheduler.enabled is true")
	}
	if cfg.Jobs.Workers < 0 {
		return fmt.Errorf("jobs.workers must be >= 0")
	}
	if cfg.Jobs.QueueSize < 0 {
		return fmt.Errorf("jobs.queue_size must be >= 0")
	}
	if cfg.Jobs.RetryMax < 0 {
		return fmt.Errorf("jobs.retry_max must be >= 0")
	}
	if cfg.Jobs.RatePerSec < 0 {
		return fmt.Errorf("jobs.rate_per_sec must be >= 0")
	}
	if _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if spec := strings.TrimSpace(cfg.Reaper.Spec); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("reaper.spec: invalid %q: %w", spec, err)
		}
	}
	return nil
}
