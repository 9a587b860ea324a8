package scheduler

import "time"

// Snapshot is a point-in-time diagnostic view of the scheduler.
type Snapshot struct {
	Enabled   bool          `json:"enabled"`
	Timezone  string        `json:"timezone"`
	Interval  time.Duration `json:"interval"`
	Tolerance time.Duration `json:"tolerance"`

	CacheDate string `json:"cache_date"`
	CacheSize int    `json:"cache_size"`

	Ticks           uint64        `json:"ticks"`
	LastTickAt      time.Time     `json:"last_tick_at"`
	LastTickDur     time.Duration `json:"last_tick_dur"`
	ScheduledTotal  uint64        `json:"scheduled_total"`
	EnqueueFailures uint64        `json:"enqueue_failures"`
	StoreFailures   uint64        `json:"store_failures"`
}

func (s *Service) Snapshot() Snapshot {
	date, size := s.cache.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:         s.cfg.Enabled,
		Timezone:        s.cfg.Timezone,
		Interval:        s.cfg.Interval,
		Tolerance:       s.cfg.Tolerance,
		CacheDate:       date,
		CacheSize:       size,
		Ticks:           s.ticks,
		LastTickAt:      s.lastTickAt,
		LastTickDur:     s.lastTickDur,
		ScheduledTotal:  s.scheduledTotal,
		EnqueueFailures: s.enqueueFailures,
		StoreFailures:   s.storeFailures,
	}
}
