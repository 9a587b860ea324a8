package scheduler

import (
	"sync"

	"summaryd/internal/tracking"
)

type cacheEntry struct {
	jobID  string
	status tracking.Status
}

// dayCache is the fast-path duplicate check for the current reference day.
// Purely derivative of tracking records: warmed from the store at startup,
// corrected from store return values on conflict, and dropped wholesale when
// the day rolls over so it never grows across days.
type dayCache struct {
	mu      sync.Mutex
	date    string
	entries map[string]cacheEntry
}

func newDayCache() *dayCache {
	return &dayCache{entries: map[string]cacheEntry{}}
}

// rotate drops all entries when the day key changes.
func (c *dayCache) rotate(date string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.date == date {
		return
	}
	c.date = date
	c.entries = map[string]cacheEntry{}
}

func (c *dayCache) get(date, userID string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.date != date {
		return cacheEntry{}, false
	}
	e, ok := c.entries[userID]
	return e, ok
}

func (c *dayCache) put(date, userID string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.date != date {
		c.date = date
		c.entries = map[string]cacheEntry{}
	}
	c.entries[userID] = e
}

func (c *dayCache) snapshot() (date string, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.date, len(c.entries)
}
