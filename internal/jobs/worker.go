package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"summaryd/internal/tracking"

	logx "summaryd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Job, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a canceled context wins over queued work.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			// Graceful stop: jobs already accepted by Enqueue were promised an
			// attempt. Drain them before exiting so their tracking records
			// don't sit in scheduled forever; only a hard context cancel
			// abandons the queue.
			s.drain(ctx, stopCh, queue, rng)
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			if lim := s.limiter; lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			s.execOne(ctx, stopCh, job, rng)
		}
	}
}

// drain runs whatever is left in the queue after Stop. Each job gets one
// attempt: with stopCh closed the retry loop in execOne exits immediately, so
// a failing job is reported failed rather than retried into the shutdown
// deadline.
func (s *Service) drain(ctx context.Context, stopCh <-chan struct{}, queue chan Job, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case job := <-queue:
			if lim := s.limiter; lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			s.execOne(ctx, stopCh, job, rng)
		default:
			return
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, job Job, rng *rand.Rand) {
	start := time.Now()
	s.log.Debug("job started", logx.String("job", job.ID), logx.String("user", job.UserID), logx.String("kind", job.Kind))

	h := s.handler(job.Kind)
	if h == nil {
		s.report(job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var err error
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx := ctx
		var cancel func()
		if cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		}
		// Guard against handler panics: convert to error so one bad job can't
		// permanently kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("job panic", logx.String("job", job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			err = h(runCtx, job)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("job retry scheduled", logx.String("job", job.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			err = errors.New("job service stopped")
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", job.ID), logx.String("user", job.UserID), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.log.Info("job completed", logx.String("job", job.ID), logx.String("user", job.UserID), logx.Duration("dur", dur))
	}
	s.report(job, err)
}

// report records the terminal outcome against the tracking store.
//
// Uses a fresh context: the run context may already be canceled at shutdown,
// and losing the scheduled->terminal transition would strand the record.
func (s *Service) report(job Job, jobErr error) {
	if s.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if jobErr != nil {
		err = s.tracker.MarkFailed(ctx, job.UserID, job.Date, jobErr.Error())
	} else {
		err = s.tracker.MarkCompleted(ctx, job.UserID, job.Date, "job_id="+job.ID)
	}
	if err == nil {
		return
	}
	if errors.Is(err, tracking.ErrNotScheduled) {
		// Data-integrity signal: a job ran without a tracking entry for its day.
		s.log.Warn("job finished but no scheduled tracking record exists",
			logx.String("job", job.ID), logx.String("user", job.UserID), logx.String("date", job.Date))
		return
	}
	s.log.Warn("failed to record job outcome", logx.String("job", job.ID), logx.Err(err))
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// 20% jitter to avoid thundering herds.
	if rng != nil {
		r := (rng.Float64()*2 - 1) * 0.2
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
