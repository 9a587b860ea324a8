// Package prefs supplies per-user schedule preferences to the scheduler.
//
// The scheduler never caches preferences across ticks: ListEnabled must
// reflect current state at call time.
package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Preference is one user's daily-summary schedule.
// TimeOfDay is wall-clock "HH:MM" in the reference timezone.
type Preference struct {
	UserID    string `yaml:"user_id" json:"user_id"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	TimeOfDay string `yaml:"time_of_day" json:"time_of_day"`
}

// Source lists users whose daily summary is enabled.
type Source interface {
	ListEnabled(ctx context.Context) ([]Preference, error)
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q: bad minute", s)
	}
	return hour, minute, nil
}
