package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"summaryd/internal/config"
	logx "summaryd/pkg/logx"
)

// reloadLoop applies validated config updates to running components.
// Logging and scheduler settings are live; storage, jobs and preferences
// changes need a restart and only log a warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections := diffSections(last, newCfg)
			last = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "storage", "jobs", "preferences":
					a.log.Warn("config changed; restart required for changes to take effect",
						logx.String("section", s))
				case "reaper":
					a.log.Warn("reaper config changed; restart required for changes to take effect")
				}
			}

			if contains(sections, "logging") {
				a.logs.Apply(mapLoggingConfig(newCfg))
			}

			if contains(sections, "scheduler") {
				prevEnabled := a.sched.Enabled()
				schCfg, err := mapSchedulerConfig(newCfg)
				if err != nil {
					// Validator should have caught this; keep the old config.
					a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				} else {
					a.sched.Apply(schCfg)
					if prevEnabled && !schCfg.Enabled {
						a.log.Info("scheduler disabled via config")
						stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
						a.sched.Stop(stopCtx)
						cancel()
					} else if !prevEnabled && schCfg.Enabled {
						a.log.Info("scheduler enabled via config")
						a.sched.Start(ctx)
					}
				}
			}

			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func diffSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return []string{"logging", "storage", "scheduler", "preferences", "jobs", "reaper"}
	}
	var out []string
	if !reflect.DeepEqual(prev.Logging, next.Logging) {
		out = append(out, "logging")
	}
	if !reflect.DeepEqual(prev.Storage, next.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(prev.Scheduler, next.Scheduler) {
		out = append(out, "scheduler")
	}
	if !reflect.DeepEqual(prev.Preferences, next.Preferences) {
		out = append(out, "preferences")
	}
	if !reflect.DeepEqual(prev.Jobs, next.Jobs) {
		out = append(out, "jobs")
	}
	if !reflect.DeepEqual(prev.Reaper, next.Reaper) {
		out = append(out, "reaper")
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
