package tracking

import (
	"context"
	"errors"
	"time"
)

// ErrNotScheduled is returned by MarkCompleted/MarkFailed when no scheduled
// record exists for the (user, date) key. It signals a job running without a
// corresponding tracking entry and must be surfaced by callers, not swallowed.
var ErrNotScheduled = errors.New("no scheduled record for user/date")

// Status of a tracking record. Stored as lowercase strings.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MarkResult is the outcome of a conditional MarkScheduled write.
type MarkResult int

const (
	// MarkCreated means the record was inserted; this caller won the key.
	MarkCreated MarkResult = iota
	// MarkAlreadyExists means a record for (user, date) was already present.
	// Not an error: the existing record is returned so callers can correct
	// their local view.
	MarkAlreadyExists
)

func (r MarkResult) String() string {
	if r == MarkCreated {
		return "created"
	}
	return "already_exists"
}

// Record tracks scheduling state for one user on one calendar day.
// At most one Record exists per (UserID, Date); the store enforces this with
// a conditional insert, never read-then-write.
type Record struct {
	UserID string
	Date   string // day key, YYYYMMDD in the reference timezone
	JobID  string
	Status Status

	CreatedAt time.Time
	ExpiresAt time.Time // advisory retention horizon

	// Terminal-state detail. CompletedAt is set for both completed and failed.
	CompletedAt time.Time
	Meta        string // result metadata (completed)
	Error       string // error message (failed)
}

// Store is the durable record of per-user per-day scheduling state.
//
// MarkScheduled is the linchpin of the at-most-once guarantee: it must be an
// atomic conditional insert on (UserID, Date) and never overwrite. It returns
// the winning record either way.
//
// MarkCompleted/MarkFailed transition an existing scheduled record to a
// terminal state and return ErrNotScheduled when there is none.
type Store interface {
	MarkScheduled(ctx context.Context, rec Record) (MarkResult, Record, error)
	MarkCompleted(ctx context.Context, userID, date, meta string) error
	MarkFailed(ctx context.Context, userID, date, errMsg string) error

	// RecordsForDate returns all records for a day key, keyed by user ID.
	// Used to warm the scheduler's cache at startup.
	RecordsForDate(ctx context.Context, date string) (map[string]Record, error)

	// PruneExpired removes records whose ExpiresAt is before now.
	// Advisory cleanup only: an expired-but-present record still behaves as
	// "already scheduled" until actually removed.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // default 30 days
}

const DefaultRetention = 30 * 24 * time.Hour

// DateKey returns the calendar-day key for t in the reference timezone.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("20060102")
}
