package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"eden/internal/task"
	"eden/internal/task/scheduler"
	logx "eden/pkg/logx"
)

type memEnqueuer struct{ got []task.NewTask }

func (m *memEnqueuer) Enqueue(_ context.Context, n task.NewTask) (task.Task, error) {
	m.got = append(m.got, n)
	return task.Task{ID: "id-1", Payload: n.Payload, Priority: n.Priority, Periodic: n.Periodic, Status: task.StatusQueued}, nil
}

func TestQueueEnqueue(t *testing.T) {
	t.Parallel()
	st := &memEnqueuer{}
	q := NewQueue(st, scheduler.NewRescheduler(scheduler.Config{}, nil, logx.Nop()), logx.Nop(), nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, task.MustPayload("ping", nil), time.Now(), task.PriorityHigh, false)
	if err != nil || id != "id-1" {
		t.Fatalf("Enqueue = %q, %v", id, err)
	}

	if _, err := q.Enqueue(ctx, task.Payload{}, time.Now(), task.PriorityLow, false); !errors.Is(err, task.ErrInvalidPayload) {
		t.Fatalf("Enqueue(empty) err = %v, want ErrInvalidPayload", err)
	}
	bad := task.MustPayload("digest", map[string]any{"schedule": "whenever"})
	if _, err := q.Enqueue(ctx, bad, time.Time{}, task.PriorityLow, true); !errors.Is(err, task.ErrInvalidPayload) {
		t.Fatalf("Enqueue(bad schedule) err = %v, want ErrInvalidPayload", err)
	}
	if len(st.got) != 1 {
		t.Fatalf("store saw %d enqueues, want 1", len(st.got))
	}
}
