// Package jobs executes scheduled work asynchronously.
//
// The scheduler hands work off via Enqueue and never waits for it; workers
// report terminal outcomes back to the tracking store so a day's record moves
// scheduled -> completed/failed exactly once.
package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the job queue is at capacity.
	// The scheduler treats it like any other enqueue failure: retry next tick.
	ErrQueueFull = errors.New("job queue full")

	// ErrNotStarted is returned by Enqueue before Start or after Stop.
	ErrNotStarted = errors.New("job service not started")
)

// Job is one unit of asynchronous work.
// Date carries the tracking day key so workers can report the outcome
// against the right (user, date) record.
type Job struct {
	ID      string
	UserID  string
	Date    string
	Kind    string
	Payload []byte

	EnqueuedAt time.Time
}

// Handler runs one job. A nil return marks the tracking record completed;
// an error (after retries) marks it failed.
type Handler func(ctx context.Context, job Job) error

// Tracker is the slice of the tracking store the workers report back to.
type Tracker interface {
	MarkCompleted(ctx context.Context, userID, date, meta string) error
	MarkFailed(ctx context.Context, userID, date, errMsg string) error
}

// Config controls the worker pool.
type Config struct {
	Workers    int // default 2
	QueueSize  int // default 256
	RatePerSec int // dispatch rate limit; 0 = unlimited

	RetryMax       int           // default 3
	RetryBase      time.Duration // default 500ms
	RetryMaxDelay  time.Duration // default 15s
	DefaultTimeout time.Duration // per attempt; 0 = no timeout
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}
