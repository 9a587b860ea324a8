package app

import (
	"testing"
	"time"

	"summaryd/internal/config"
)

func validCfg() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			Enabled:   true,
			Interval:  "5m",
			Tolerance: "5m",
			Timezone:  "UTC",
		},
		Preferences: config.PreferencesConfig{Path: "prefs.yaml"},
		Storage:     config.StorageConfig{Driver: "memory"},
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	t.Parallel()
	if err := ValidateConfig(validCfg()); err != nil {
		t.Fatalf("ValidateConfig error: %v", err)
	}
}

func TestValidateConfigRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "missing prefs path", mutate: func(c *config.Config) { c.Preferences.Path = "" }},
		{name: "negative workers", mutate: func(c *config.Config) { c.Jobs.Workers = -1 }},
		{name: "negative queue", mutate: func(c *config.Config) { c.Jobs.QueueSize = -1 }},
		{name: "negative retry", mutate: func(c *config.Config) { c.Jobs.RetryMax = -1 }},
		{name: "negative rate", mutate: func(c *config.Config) { c.Jobs.RatePerSec = -1 }},
		{name: "bad interval", mutate: func(c *config.Config) { c.Scheduler.Interval = "soon" }},
		{name: "bad tolerance", mutate: func(c *config.Config) { c.Scheduler.Tolerance = "-5m" }},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{name: "bad retention", mutate: func(c *config.Config) { c.Storage.Retention = "30 days" }},
		{name: "bad reaper spec", mutate: func(c *config.Config) { c.Reaper.Spec = "every day at 3" }},
		{name: "bad retry base", mutate: func(c *config.Config) { c.Jobs.RetryBase = "fast" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCfg()
			tt.mutate(cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Fatalf("ValidateConfig accepted invalid config (%s)", tt.name)
			}
		})
	}
}

func TestValidateConfigPrefsOptionalWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := validCfg()
	cfg.Scheduler.Enabled = false
	cfg.Preferences.Path = ""
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("ValidateConfig error: %v", err)
	}
}

func TestMapSchedulerConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapSchedulerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapSchedulerConfig error: %v", err)
	}
	if got.Interval != 5*time.Minute || got.Tolerance != 5*time.Minute || got.CallTimeout != 10*time.Second {
		t.Fatalf("defaults: %+v", got)
	}
}

func TestMapStorageConfigRetentionDefault(t *testing.T) {
	t.Parallel()
	got, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapStorageConfig error: %v", err)
	}
	if got.Retention != 30*24*time.Hour {
		t.Fatalf("retention = %v, want 720h", got.Retention)
	}
}

func TestDiffSections(t *testing.T) {
	t.Parallel()
	a := validCfg()
	b := validCfg()
	if got := diffSections(a, b); len(got) != 0 {
		t.Fatalf("identical configs diff: %v", got)
	}

	b.Logging.Level = "debug"
	b.Jobs.Workers = 8
	got := diffSections(a, b)
	if len(got) != 2 || got[0] != "logging" || got[1] != "jobs" {
		t.Fatalf("diff = %v, want [logging jobs]", got)
	}
}
