package scheduler

import (
	"context"
	"strings"
	"time"

	"summaryd/internal/prefs"
	"summaryd/internal/tracking"

	logx "summaryd/pkg/logx"
)

func New(cfg Config, src prefs.Source, sink JobSink, store tracking.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		prefs: src,
		sink:  sink,
		store: store,
		cache: newDayCache(),
		now:   time.Now,
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates the live config. Interval changes take effect after the next
// tick; timezone changes take effect on the next tick's day-key computation.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg.withDefaults()
	if oldTZ != newTZ {
		s.loc = nil // re-resolved lazily on the next tick
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("scheduler starting",
		logx.Duration("interval", cfg.Interval),
		logx.Duration("tolerance", cfg.Tolerance),
		logx.String("tz", s.location().String()))

	go s.run(ctx, stopCh, doneCh)
}

// Stop signals the loop and waits for any in-flight tick to finish, so no
// partial tracking writes are left dangling on shutdown.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	select {
	case <-doneCh:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; tick finishing in background")
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	s.warm(ctx)
	s.runTick(ctx)

	for {
		s.mu.Lock()
		interval := s.cfg.Interval
		s.mu.Unlock()

		tmr := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
			s.runTick(ctx)
		}
	}
}

// warm loads today's tracking records into the cache before the first tick,
// so a restart inside a tolerance window doesn't re-enqueue. If the store is
// unreachable the scheduler starts with an empty cache and stays live:
// degraded mode with elevated duplicate-job risk, by explicit tradeoff.
func (s *Service) warm(ctx context.Context) {
	loc := s.location()
	date := tracking.DateKey(s.clock()(), loc)

	s.mu.Lock()
	timeout := s.cfg.CallTimeout
	s.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	records, err := s.store.RecordsForDate(lctx, date)
	if err != nil {
		s.log.Warn("cache warm-up failed; starting degraded (duplicate-job risk until store recovers)",
			logx.String("date", date), logx.Err(err))
		s.cache.rotate(date)
		return
	}

	s.cache.rotate(date)
	for userID, rec := range records {
		s.cache.put(date, userID, cacheEntry{jobID: rec.JobID, status: rec.Status})
	}
	s.log.Info("cache warmed", logx.String("date", date), logx.Int("records", len(records)))
}

// location resolves the configured timezone, falling back to UTC on error.
func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		s.loc = time.UTC
		return s.loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		loc = time.UTC
	}
	s.loc = loc
	return s.loc
}

func (s *Service) clock() func() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
