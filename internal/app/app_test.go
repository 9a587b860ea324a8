package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAppConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	prefsPath := filepath.Join(dir, "prefs.yaml")
	if err := os.WriteFile(prefsPath, nil, 0o644); err != nil {
		t.Fatalf("write prefs: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`
logging:
  level: "error"
storage:
  driver: "memory"
scheduler:
  enabled: true
  interval: "20ms"
  tolerance: "5m"
preferences:
  path: %q
jobs:
  workers: 1
reaper:
  enabled: false
`, prefsPath)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// The scheduler must keep ticking after the caller's start context is
// canceled: on SIGTERM the signal context dies first, and an in-flight tick
// still needs live contexts for its enqueue and store calls until Stop has
// sequenced the shutdown.
func TestRunOutlivesStartContext(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeAppConfig(t))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	time.Sleep(150 * time.Millisecond)
	before := a.Scheduler().Snapshot().Ticks
	time.Sleep(150 * time.Millisecond)
	after := a.Scheduler().Snapshot().Ticks
	if after <= before {
		t.Fatalf("ticks stalled after start-context cancel: before=%d after=%d", before, after)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	// After Stop the loop must actually be down.
	settled := a.Scheduler().Snapshot().Ticks
	time.Sleep(100 * time.Millisecond)
	if got := a.Scheduler().Snapshot().Ticks; got != settled {
		t.Fatalf("scheduler still ticking after Stop: %d -> %d", settled, got)
	}
}

func TestStartRejectsCanceledContext(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeAppConfig(t))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Start(ctx); err == nil {
		t.Fatal("Start accepted a canceled context")
	}
	_ = a.store.Close()
}
