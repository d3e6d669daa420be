package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"eden/internal/task"
	"eden/internal/task/engine"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "database": {"path": %q},
  "worker": {"poll_interval": "10ms", "reaper_interval": "50ms", "max_task_retries": 2, "retry_base_delay": "1ms", "backoff": "constant"}
}`, filepath.Join(dir, "tasks.db"))
	p := filepath.Join(dir, "worker.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppRunsEnqueuedTasks(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	var ran atomic.Int32
	a.Registry().MustRegister("probe", engine.HandlerFunc(func(context.Context, task.Task) error {
		ran.Add(1)
		return nil
	}))
	var flaky atomic.Int32
	a.Registry().MustRegister("flaky", engine.HandlerFunc(func(context.Context, task.Task) error {
		flaky.Add(1)
		return fmt.Errorf("upstream 503")
	}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	okID, err := a.Queue().Enqueue(ctx, task.MustPayload("probe", nil), time.Time{}, task.PriorityHigh, false)
	if err != nil {
		t.Fatalf("Enqueue probe: %v", err)
	}
	badID, err := a.Queue().Enqueue(ctx, task.MustPayload("flaky", nil), time.Time{}, task.PriorityLow, false)
	if err != nil {
		t.Fatalf("Enqueue flaky: %v", err)
	}

	status := func(id string) task.Task {
		tk, err := a.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		return tk
	}
	waitFor(t, "probe success", func() bool { return status(okID).Status == task.StatusSuccess })
	waitFor(t, "flaky failed", func() bool { return status(badID).Status == task.StatusFailed })
	if got := status(badID); got.Attempts != 2 || flaky.Load() != 2 {
		t.Fatalf("flaky attempts = %d runs = %d, want 2/2", got.Attempts, flaky.Load())
	}
	if ran.Load() != 1 {
		t.Fatalf("probe ran %d times", ran.Load())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}
}

func TestStartClearsTemporaryKinds(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	a.Registry().MustRegister("session.expire", engine.HandlerFunc(func(context.Context, task.Task) error { return nil }), engine.Temporary())
	stale, err := a.store.Enqueue(ctx, task.NewTask{Payload: task.MustPayload("session.expire", nil), Deadline: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()
	if _, err := a.store.Get(ctx, stale.ID); err == nil {
		t.Fatalf("temporary task survived start")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "worker.json")
	if err := os.WriteFile(p, []byte(`{"database":{"path":""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(context.Background(), p); err == nil {
		t.Fatalf("NewApp with empty database path = nil")
	}
}

func TestHealthReportsRunningLoops(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	loops := func() map[string]bool {
		m, ok := a.health()["loops"].(map[string]bool)
		if !ok {
			t.Fatalf("health loops = %T", a.health()["loops"])
		}
		return m
	}
	waitFor(t, "dispatcher and reaper active", func() bool {
		m := loops()
		return m["dispatcher"] && m["reaper"]
	})
	if got := a.health()["partition"]; got != "[1]/1" {
		t.Fatalf("partition = %v", got)
	}
}
