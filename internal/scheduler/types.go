// Package scheduler runs the periodic decision pass that turns per-user
// schedule preferences into at-most-one job per user per calendar day.
//
// The flow per tick: fresh preference read -> cache pre-filter -> tolerance
// window check -> enqueue -> conditional tracking insert. The cache is only a
// pre-filter; the tracking store's conditional write is the authority for the
// at-most-once guarantee.
package scheduler

import (
	"context"
	"sync"
	"time"

	"summaryd/internal/prefs"
	"summaryd/internal/tracking"

	logx "summaryd/pkg/logx"
)

// JobKindDailySummary is the kind enqueued for every scheduled user/day.
const JobKindDailySummary = "daily_summary"

// Config controls the tick loop.
type Config struct {
	Enabled bool

	// Interval between decision passes. Default 5m. Polling is intentional:
	// the tolerance window absorbs polling granularity, which is far cheaper
	// than a precise per-user timer wheel at this cardinality.
	Interval time.Duration

	// Tolerance is the window [time_of_day, time_of_day+Tolerance) during
	// which a user's job may still be scheduled. Default 5m.
	Tolerance time.Duration

	// Timezone is the reference timezone for day keys and window matching.
	// Default UTC.
	Timezone string

	// CallTimeout bounds each external call (preference read, store write,
	// enqueue). Default 10s. A timed-out call counts as a failure for this
	// tick and is retried on the next one.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// JobSink accepts work for asynchronous execution. Enqueue is at-least-once
// from the scheduler's perspective; date rides along so the sink can report
// the outcome against the right tracking key.
type JobSink interface {
	Enqueue(ctx context.Context, userID, date, kind string, payload []byte) (jobID string, err error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	prefs prefs.Source
	sink  JobSink
	store tracking.Store

	loc   *time.Location
	cache *dayCache

	// now is the clock; swapped in tests.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	// tick diagnostics, guarded by mu
	ticks           uint64
	lastTickAt      time.Time
	lastTickDur     time.Duration
	scheduledTotal  uint64
	enqueueFailures uint64
	storeFailures   uint64
}

// jobPayload is what the sink's handler receives on stdin.
type jobPayload struct {
	UserID    string `json:"user_id"`
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	TimeOfDay string `json:"time_of_day"`
}
