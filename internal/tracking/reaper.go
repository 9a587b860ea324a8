package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "summaryd/pkg/logx"
)

const DefaultReaperSpec = "0 3 * * *"

// Reaper removes expired tracking records on a cron schedule. Retention is
// advisory cleanup, not a correctness mechanism: nothing in the scheduler
// depends on pruning ever running.
type Reaper struct {
	mu    sync.Mutex
	store Store
	log   logx.Logger
	spec  string
	c     *cron.Cron
}

func NewReaper(spec string, store Store, log logx.Logger) *Reaper {
	if spec == "" {
		spec = DefaultReaperSpec
	}
	return &Reaper{store: store, log: log, spec: spec}
}

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(r.spec, func() { r.runOnce(ctx) })
	if err != nil {
		return err
	}
	r.c = c
	c.Start()
	r.log.Info("reaper started", logx.String("spec", r.spec))
	return nil
}

func (r *Reaper) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Reaper) runOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := r.store.PruneExpired(pctx, time.Now())
	if err != nil {
		r.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("pruned expired tracking records", logx.Int64("removed", n))
	} else {
		r.log.Debug("prune pass: nothing expired")
	}
}
