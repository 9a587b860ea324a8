package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"summaryd/internal/prefs"
	"summaryd/internal/tracking"

	logx "summaryd/pkg/logx"
)

type fakePrefs struct {
	mu   sync.Mutex
	list []prefs.Preference
	err  error
}

func (f *fakePrefs) ListEnabled(context.Context) ([]prefs.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]prefs.Preference, len(f.list))
	copy(out, f.list)
	return out, nil
}

type enqueued struct {
	userID string
	date   string
	kind   string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []enqueued
	last  []byte
	err   error
	seq   int
}

func (f *fakeSink) Enqueue(_ context.Context, userID, date, kind string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.calls = append(f.calls, enqueued{userID: userID, date: date, kind: kind})
	f.last = payload
	return fmt.Sprintf("job-%d", f.seq), nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakyStore wraps the in-memory store with switchable failures.
type flakyStore struct {
	tracking.Store
	mu       sync.Mutex
	markErr  error
	warmErr  error
	markSeen int
}

func (f *flakyStore) MarkScheduled(ctx context.Context, rec tracking.Record) (tracking.MarkResult, tracking.Record, error) {
	f.mu.Lock()
	f.markSeen++
	err := f.markErr
	f.mu.Unlock()
	if err != nil {
		return tracking.MarkCreated, tracking.Record{}, err
	}
	return f.Store.MarkScheduled(ctx, rec)
}

func (f *flakyStore) RecordsForDate(ctx context.Context, date string) (map[string]tracking.Record, error) {
	f.mu.Lock()
	err := f.warmErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.RecordsForDate(ctx, date)
}

func (f *flakyStore) setMarkErr(err error) {
	f.mu.Lock()
	f.markErr = err
	f.mu.Unlock()
}

type fixture struct {
	svc   *Service
	prefs *fakePrefs
	sink  *fakeSink
	store *flakyStore
	now   time.Time
	mu    sync.Mutex
}

func newFixture(t *testing.T, list []prefs.Preference) *fixture {
	t.Helper()
	fx := &fixture{
		prefs: &fakePrefs{list: list},
		sink:  &fakeSink{},
		store: &flakyStore{Store: tracking.NewMemory(0)},
		now:   time.Date(2026, 8, 30, 9, 2, 0, 0, time.UTC),
	}
	fx.svc = fx.newService()
	return fx
}

// newService builds a scheduler on the fixture's shared store, as a process
// restart would.
func (fx *fixture) newService() *Service {
	s := New(Config{
		Enabled:   true,
		Interval:  5 * time.Minute,
		Tolerance: 5 * time.Minute,
	}, fx.prefs, fx.sink, fx.store, logx.Nop())
	s.now = func() time.Time {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return fx.now
	}
	return s
}

func (fx *fixture) setNow(t time.Time) {
	fx.mu.Lock()
	fx.now = t
	fx.mu.Unlock()
}

func at(h, m int) time.Time {
	return time.Date(2026, 8, 30, h, m, 0, 0, time.UTC)
}

func TestTickSchedulesInsideWindow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(8, 57))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 0 {
		t.Fatal("scheduled before the window opened")
	}

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", fx.sink.count())
	}

	var p jobPayload
	if err := json.Unmarshal(fx.sink.last, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.UserID != "u1" || p.Date != "20260830" || p.Kind != JobKindDailySummary || p.TimeOfDay != "09:00" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	recs, _ := fx.store.RecordsForDate(ctx, "20260830")
	if rec := recs["u1"]; rec.Status != tracking.StatusScheduled || rec.JobID != "job-1" {
		t.Fatalf("tracking record: %+v", rec)
	}
}

func TestTickAtMostOncePerDay(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	fx.setNow(at(9, 4))
	fx.svc.runTick(ctx)
	fx.setNow(at(9, 4))
	fx.svc.runTick(ctx)

	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want exactly 1", fx.sink.count())
	}
	if got := fx.svc.Snapshot().ScheduledTotal; got != 1 {
		t.Fatalf("ScheduledTotal = %d, want 1", got)
	}
}

func TestRestartInsideWindowDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", fx.sink.count())
	}

	// Simulated restart: fresh scheduler, same store, still inside the window.
	restarted := fx.newService()
	fx.setNow(at(9, 3))
	restarted.warm(ctx)
	restarted.runTick(ctx)

	if fx.sink.count() != 1 {
		t.Fatalf("enqueues after restart = %d, want 1", fx.sink.count())
	}
}

func TestRestartWithFailedWarmFallsBackToStore(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)

	// Restart where warm-up can't read the store: the cache starts empty, a
	// duplicate enqueue happens, but the conditional write refuses the second
	// record and corrects the cache.
	fx.store.mu.Lock()
	fx.store.warmErr = errors.New("store down")
	fx.store.mu.Unlock()

	restarted := fx.newService()
	fx.setNow(at(9, 3))
	restarted.warm(ctx)
	restarted.runTick(ctx)

	if fx.sink.count() != 2 {
		t.Fatalf("enqueues = %d, want 2 (duplicate is the accepted failure mode)", fx.sink.count())
	}
	recs, _ := fx.store.Store.RecordsForDate(ctx, "20260830")
	if rec := recs["u1"]; rec.JobID != "job-1" {
		t.Fatalf("tracking record rewritten: %+v", rec)
	}

	// The corrected cache stops a third enqueue.
	fx.setNow(at(9, 4))
	restarted.runTick(ctx)
	if fx.sink.count() != 2 {
		t.Fatalf("enqueues = %d, want 2", fx.sink.count())
	}
}

func TestDegradedModeStoreDown(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()
	fx.store.setMarkErr(errors.New("store down"))

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1 (store outage must not stop scheduling)", fx.sink.count())
	}

	// The local cache entry keeps this process from re-enqueueing today.
	fx.setNow(at(9, 4))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", fx.sink.count())
	}

	snap := fx.svc.Snapshot()
	if snap.StoreFailures != 1 {
		t.Fatalf("StoreFailures = %d, want 1", snap.StoreFailures)
	}
}

func TestEnqueueFailureRetriesNextTick(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.sink.mu.Lock()
	fx.sink.err = errors.New("queue full")
	fx.sink.mu.Unlock()

	fx.setNow(at(9, 1))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 0 {
		t.Fatal("enqueue should have failed")
	}
	recs, _ := fx.store.RecordsForDate(ctx, "20260830")
	if len(recs) != 0 {
		t.Fatalf("tracking written despite enqueue failure: %+v", recs)
	}

	// Next tick, sink recovered and the window is still open.
	fx.sink.mu.Lock()
	fx.sink.err = nil
	fx.sink.mu.Unlock()

	fx.setNow(at(9, 4))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", fx.sink.count())
	}
	if got := fx.svc.Snapshot().EnqueueFailures; got != 1 {
		t.Fatalf("EnqueueFailures = %d, want 1", got)
	}
}

func TestPrefsErrorSkipsTick(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.prefs.mu.Lock()
	fx.prefs.err = errors.New("source unavailable")
	fx.prefs.mu.Unlock()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 0 {
		t.Fatal("tick ran decisions despite unreadable preferences")
	}
	if got := fx.svc.Snapshot().Ticks; got != 1 {
		t.Fatalf("Ticks = %d, want 1", got)
	}
}

func TestDayRolloverSchedulesAgain(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)

	// Next calendar day, same wall-clock window: a fresh day key means a
	// fresh record and a fresh job.
	fx.setNow(time.Date(2026, 8, 31, 9, 2, 0, 0, time.UTC))
	fx.svc.runTick(ctx)

	if fx.sink.count() != 2 {
		t.Fatalf("enqueues = %d, want 2", fx.sink.count())
	}
	if got := fx.sink.calls[1].date; got != "20260831" {
		t.Fatalf("second enqueue date = %s, want 20260831", got)
	}
	snap := fx.svc.Snapshot()
	if snap.CacheDate != "20260831" || snap.CacheSize != 1 {
		t.Fatalf("cache = (%s, %d), want (20260831, 1)", snap.CacheDate, snap.CacheSize)
	}
}

func TestMultipleUsersIndependentWindows(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "early", Enabled: true, TimeOfDay: "09:00"},
		{UserID: "late", Enabled: true, TimeOfDay: "14:30"},
		{UserID: "off", Enabled: false, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 || fx.sink.calls[0].userID != "early" {
		t.Fatalf("unexpected enqueues: %+v", fx.sink.calls)
	}

	fx.setNow(at(14, 33))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 2 || fx.sink.calls[1].userID != "late" {
		t.Fatalf("unexpected enqueues: %+v", fx.sink.calls)
	}
}

func TestMissedWindowIsSkipped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	// First tick lands after the window already closed: the day is missed,
	// never scheduled late.
	fx.setNow(at(9, 6))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 0 {
		t.Fatal("scheduled outside the tolerance window")
	}
	recs, _ := fx.store.RecordsForDate(ctx, "20260830")
	if len(recs) != 0 {
		t.Fatalf("tracking written for a missed window: %+v", recs)
	}
}

func TestInvalidTimeOfDaySkipsUser(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "bad", Enabled: true, TimeOfDay: "9am"},
		{UserID: "good", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	fx.setNow(at(9, 2))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 || fx.sink.calls[0].userID != "good" {
		t.Fatalf("unexpected enqueues: %+v", fx.sink.calls)
	}
}

// gateSink blocks inside Enqueue until released, to hold a tick in flight.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
	inner   *fakeSink
}

func newGateSink(inner *fakeSink) *gateSink {
	return &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{}), inner: inner}
}

func (g *gateSink) Enqueue(ctx context.Context, userID, date, kind string, payload []byte) (string, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Enqueue(ctx, userID, date, kind, payload)
}

func TestStopFinishesInFlightTick(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	gate := newGateSink(fx.sink)
	svc := New(Config{
		Enabled:   true,
		Interval:  time.Hour,
		Tolerance: 5 * time.Minute,
	}, fx.prefs, gate, fx.store, logx.Nop())
	svc.now = fx.svc.now

	fx.setNow(at(9, 2))
	svc.Start(context.Background())

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("startup tick never reached the sink")
	}

	// Stop while the tick is blocked mid-enqueue. The enqueue->track pair
	// must complete: a job without its tracking record is the partial write
	// Stop exists to prevent.
	stopDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
		close(stopDone)
	}()
	close(gate.release)

	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the tick was released")
	}

	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", fx.sink.count())
	}
	recs, _ := fx.store.RecordsForDate(context.Background(), "20260830")
	rec, ok := recs["u1"]
	if !ok {
		t.Fatal("job enqueued but no tracking record written")
	}
	if rec.JobID != "job-1" || rec.Status != tracking.StatusScheduled {
		t.Fatalf("tracking record: %+v", rec)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.svc.Start(ctx)
	fx.svc.Start(ctx) // double start is a no-op

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	fx.svc.Stop(stopCtx)
	fx.svc.Stop(stopCtx) // double stop is a no-op

	if got := fx.svc.Snapshot().Ticks; got == 0 {
		t.Fatal("expected at least the immediate startup tick")
	}
}

func TestApplyTimezoneChange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, []prefs.Preference{
		{UserID: "u1", Enabled: true, TimeOfDay: "09:00"},
	})
	ctx := context.Background()

	cfg := Config{Enabled: true, Interval: 5 * time.Minute, Tolerance: 5 * time.Minute, Timezone: "UTC"}
	fx.svc.Apply(cfg)

	// 07:02 UTC is 09:02 in UTC+2: after the timezone change the same instant
	// falls inside the window.
	fx.setNow(time.Date(2026, 8, 30, 7, 2, 0, 0, time.UTC))
	fx.svc.runTick(ctx)
	if fx.sink.count() != 0 {
		t.Fatal("scheduled in the wrong timezone")
	}

	cfg.Timezone = "Europe/Berlin"
	fx.svc.Apply(cfg)
	fx.svc.runTick(ctx)
	if fx.sink.count() != 1 {
		t.Fatalf("enqueues = %d, want 1 after timezone change", fx.sink.count())
	}
}
