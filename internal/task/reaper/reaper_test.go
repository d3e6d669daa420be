package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eden/internal/eventbus"
	"eden/internal/storage"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Microsecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*storage.Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop(), storage.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func claimAll(t *testing.T, st *storage.Store, n int) []task.Task {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := st.Enqueue(ctx, task.NewTask{Payload: task.MustPayload("ping", nil)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	claimed, err := st.ClaimBatch(ctx, task.MustPartition([]int{1}, 1), n)
	if err != nil || len(claimed) != n {
		t.Fatalf("ClaimBatch = %d, %v", len(claimed), err)
	}
	return claimed
}

func TestSweepRecoversStalledTaskOnce(t *testing.T) {
	t.Parallel()
	st, clk := setup(t)
	claimed := claimAll(t, st, 1)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	r := New(Config{Threshold: 30 * time.Minute}, st, logx.Nop(), bus)
	ctx := context.Background()

	clk.Advance(29 * time.Minute)
	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early Sweep = %d, %v; want 0", n, err)
	}

	clk.Advance(2 * time.Minute)
	if n, err := r.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("second Sweep = %d, %v; want 0", n, err)
	}

	got, err := st.Get(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusQueued || got.Attempts != claimed[0].Attempts {
		t.Fatalf("recovered = %s attempts=%d, want queued attempts=%d", got.Status, got.Attempts, claimed[0].Attempts)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TaskReaped {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.TaskReaped)
		}
	default:
		t.Fatalf("no reaped event published")
	}
}

func TestSweepSkipsReportedTasks(t *testing.T) {
	t.Parallel()
	st, clk := setup(t)
	claimed := claimAll(t, st, 2)
	ctx := context.Background()
	if _, err := st.Complete(ctx, claimed[0], nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	clk.Advance(time.Hour)
	n, err := New(Config{}, st, logx.Nop(), nil).Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	done, _ := st.Get(ctx, claimed[0].ID)
	if done.Status != task.StatusSuccess {
		t.Fatalf("completed task status = %s", done.Status)
	}
}

func TestSweepHonoursPartition(t *testing.T) {
	t.Parallel()
	st, clk := setup(t)
	claimed := claimAll(t, st, 4)
	clk.Advance(time.Hour)

	p := task.MustPartition([]int{1}, 2)
	n, err := New(Config{Partition: p}, st, logx.Nop(), nil).Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v; want 2", n, err)
	}
	for _, c := range claimed {
		got, _ := st.Get(context.Background(), c.ID)
		want := task.StatusRunning
		if p.Owns(c.Sequence) {
			want = task.StatusQueued
		}
		if got.Status != want {
			t.Fatalf("seq %d status = %s, want %s", c.Sequence, got.Status, want)
		}
	}
}

// racingStore loses every requeue, as if a worker reported in between.
type racingStore struct {
	stalled []task.Task
	err     error
}

func (s racingStore) ListStalled(context.Context, time.Duration) ([]task.Task, error) {
	return s.stalled, s.err
}

func (racingStore) Requeue(context.Context, task.Task) (bool, error) { return false, nil }

func TestSweepLostRaceIsNotCounted(t *testing.T) {
	t.Parallel()
	r := New(Config{}, racingStore{stalled: []task.Task{{ID: "x", Sequence: 1}}}, logx.Nop(), nil)
	if n, err := r.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want 0", n, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := New(Config{Interval: time.Millisecond}, racingStore{err: errors.New("disk gone")}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
