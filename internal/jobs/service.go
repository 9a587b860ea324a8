package jobs

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "summaryd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	tracker  Tracker
	handlers map[string]Handler

	queue   chan Job
	stopCh  chan struct{}
	limiter *rate.Limiter

	workerWG sync.WaitGroup
}

func New(cfg Config, tracker Tracker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		tracker:  tracker,
		handlers: map[string]Handler{},
	}
}

// Register installs the handler for a job kind. Jobs of an unregistered kind
// fail immediately (no retries; a missing handler is a wiring bug, not a
// transient condition).
func (s *Service) Register(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	cfg := s.cfg
	s.stopCh = make(chan struct{})
	// Fresh queue per run so stale items from a previous run are never executed.
	s.queue = make(chan Job, cfg.QueueSize)
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter = nil
	}

	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in job worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.log.Info("job service started", logx.Int("workers", cfg.Workers), logx.Int("queue_cap", cfg.QueueSize))
}

// Stop closes intake and waits for the workers. Jobs already accepted into
// the queue are drained (attempted once, failures reported) before the
// workers return; ctx bounds how long Stop waits for that.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.queue = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("job service stopped")
	case <-ctx.Done():
		s.log.Warn("job service stop timed out; workers finishing in background")
	}
}

// Enqueue accepts a job for asynchronous execution and returns its ID.
// Acceptance into the queue is the at-least-once boundary: once Enqueue
// returns a job ID, the work will be attempted even if the caller goes away.
func (s *Service) Enqueue(ctx context.Context, userID, date, kind string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return "", ErrNotStarted
	}

	job := Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		Date:       date,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	select {
	case queue <- job:
		s.log.Debug("job enqueued", logx.String("job", job.ID), logx.String("user", userID), logx.String("kind", kind))
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

func (s *Service) handler(kind string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[kind]
}
