package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process store. It backs the "memory" driver
// and the package tests; it honors the same conditional-write contract as
// the SQLite driver but survives nothing.
type Memory struct {
	mu        sync.Mutex
	recs      map[string]Record // key: userID + "\x00" + date
	retention time.Duration
}

func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{recs: map[string]Record{}, retention: retention}
}

func memKey(userID, date string) string { return userID + "\x00" + date }

func (m *Memory) MarkScheduled(_ context.Context, rec Record) (MarkResult, Record, error) {
	if rec.UserID == "" || rec.Date == "" {
		return MarkCreated, Record{}, fmt.Errorf("user_id and date are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(rec.UserID, rec.Date)
	if existing, ok := m.recs[key]; ok {
		return MarkAlreadyExists, existing, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(m.retention)
	}
	rec.Status = StatusScheduled
	m.recs[key] = rec
	return MarkCreated, rec, nil
}

func (m *Memory) MarkCompleted(_ context.Context, userID, date, meta string) error {
	return m.finish(userID, date, StatusCompleted, meta, "")
}

func (m *Memory) MarkFailed(_ context.Context, userID, date, errMsg string) error {
	return m.finish(userID, date, StatusFailed, "", errMsg)
}

func (m *Memory) finish(userID, date string, st Status, meta, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(userID, date)
	rec, ok := m.recs[key]
	if !ok || rec.Status != StatusScheduled {
		return fmt.Errorf("%w: user=%s date=%s", ErrNotScheduled, userID, date)
	}
	rec.Status = st
	rec.CompletedAt = time.Now().UTC()
	rec.Meta = meta
	rec.Error = errMsg
	m.recs[key] = rec
	return nil
}

func (m *Memory) RecordsForDate(_ context.Context, date string) (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]Record{}
	for _, rec := range m.recs {
		if rec.Date == date {
			out[rec.UserID] = rec
		}
	}
	return out, nil
}

func (m *Memory) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.recs {
		if rec.ExpiresAt.Before(now) {
			delete(m.recs, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
