package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"summaryd/internal/prefs"
	"summaryd/internal/tracking"

	logx "summaryd/pkg/logx"
)

// runTick is one decision pass over all enabled preferences. Ticks never
// overlap: the loop waits for one to finish before the next fires, so the
// pass itself can stay lock-light.
func (s *Service) runTick(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	loc := s.location()
	now := s.clock()().In(loc)
	date := tracking.DateKey(now, loc)
	s.cache.rotate(date)

	// Preferences are read fresh every tick; they may change between ticks.
	// An unavailable source skips the whole tick: no partial decisions on
	// data we couldn't read.
	pctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	list, err := s.prefs.ListEnabled(pctx)
	cancel()
	if err != nil {
		s.log.Warn("preference source unavailable; skipping tick", logx.Err(err))
		s.noteTick(start)
		return
	}

	scheduled := 0
	for _, p := range list {
		select {
		case <-ctx.Done():
			s.noteTick(start)
			return
		default:
		}
		if s.scheduleUser(ctx, cfg, now, date, p) {
			scheduled++
		}
	}

	if scheduled > 0 {
		s.log.Info("tick done", logx.Int("scheduled", scheduled), logx.Int("candidates", len(list)), logx.String("date", date))
	} else {
		s.log.Debug("tick done", logx.Int("candidates", len(list)), logx.String("date", date))
	}
	s.noteTick(start)
}

// scheduleUser decides and, if due, schedules one user's job for the day.
// Returns true when a job was enqueued by this call.
//
// Ordering is enqueue-then-track: a day is never marked scheduled without a
// job actually existing. The inverse race (job enqueued, tracking write lost)
// is the accepted degraded-mode exposure.
func (s *Service) scheduleUser(ctx context.Context, cfg Config, now time.Time, date string, p prefs.Preference) bool {
	if !p.Enabled {
		return false
	}
	if _, ok := s.cache.get(date, p.UserID); ok {
		// Already handled today (any status). Terminal states don't re-run
		// until the next day.
		return false
	}

	hour, minute, err := prefs.ParseTimeOfDay(p.TimeOfDay)
	if err != nil {
		s.log.Warn("skipping user with invalid time_of_day", logx.String("user", p.UserID), logx.Err(err))
		return false
	}
	if !withinWindow(now, hour, minute, cfg.Tolerance) {
		return false
	}

	payload, _ := json.Marshal(jobPayload{
		UserID:    p.UserID,
		Date:      date,
		Kind:      JobKindDailySummary,
		TimeOfDay: p.TimeOfDay,
	})

	ectx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	jobID, err := s.sink.Enqueue(ectx, p.UserID, date, JobKindDailySummary, payload)
	cancel()
	if err != nil {
		// Non-fatal and per-user: the next tick retries while the tolerance
		// window is still open. A window that elapses without success is a
		// missed day, observable only through these logs.
		s.mu.Lock()
		s.enqueueFailures++
		s.mu.Unlock()
		s.log.Warn("enqueue failed; will retry next tick while window is open",
			logx.String("user", p.UserID), logx.String("date", date), logx.Err(err))
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	res, rec, err := s.store.MarkScheduled(sctx, tracking.Record{
		UserID: p.UserID,
		Date:   date,
		JobID:  jobID,
	})
	cancel()

	switch {
	case err != nil:
		// Degraded: keep a local entry so this process doesn't enqueue again
		// today, but the guarantee is now exposed to a restart race.
		s.mu.Lock()
		s.storeFailures++
		s.mu.Unlock()
		s.cache.put(date, p.UserID, cacheEntry{jobID: jobID, status: tracking.StatusScheduled})
		s.log.Warn("tracking store unavailable; duplicate-job risk elevated",
			logx.String("user", p.UserID), logx.String("date", date), logx.Err(err))
		return true

	case res == tracking.MarkAlreadyExists:
		// Lost a conditional-write race (overlapping instance, or a restart
		// recovering mid-window with a failed warm-up). The record keeps its
		// original job_id; the job we just enqueued is a duplicate.
		s.cache.put(date, p.UserID, cacheEntry{jobID: rec.JobID, status: rec.Status})
		s.log.Warn("already scheduled; duplicate job may have been enqueued",
			logx.String("user", p.UserID), logx.String("date", date),
			logx.String("kept_job", rec.JobID), logx.String("duplicate_job", jobID))
		return false

	default:
		s.mu.Lock()
		s.scheduledTotal++
		s.mu.Unlock()
		s.cache.put(date, p.UserID, cacheEntry{jobID: rec.JobID, status: rec.Status})
		s.log.Info("daily summary scheduled",
			logx.String("user", p.UserID), logx.String("date", date), logx.String("job", jobID))
		return true
	}
}

func (s *Service) noteTick(start time.Time) {
	s.mu.Lock()
	s.ticks++
	s.lastTickAt = start
	s.lastTickDur = time.Since(start)
	s.mu.Unlock()
}
