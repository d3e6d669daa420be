package engine

import (
	"context"
	"time"

	"eden/internal/eventbus"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

// Enqueuer persists new tasks. Implemented by the task store.
type Enqueuer interface {
	Enqueue(ctx context.Context, n task.NewTask) (task.Task, error)
}

// PayloadValidator checks periodic payloads (their "schedule" member).
type PayloadValidator interface {
	Validate(p task.Payload) error
}

// Queue is the producer side: what the rest of the bot calls to schedule work.
type Queue struct {
	store    Enqueuer
	periodic PayloadValidator
	log      logx.Logger
	bus      eventbus.Bus
}

func NewQueue(store Enqueuer, periodic PayloadValidator, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop
	}
	return &Queue{store: store, periodic: periodic, log: log, bus: bus}
}

// Enqueue schedules payload and returns the new task id. It fails with
// task.ErrInvalidPayload before touching the store when the payload is not
// an object carrying its "type".
func (q *Queue) Enqueue(ctx context.Context, payload task.Payload, deadline time.Time, prio task.Priority, periodic bool) (string, error) {
	t, err := q.Submit(ctx, task.NewTask{Payload: payload, Deadline: deadline, Priority: prio, Periodic: periodic})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Submit is Enqueue returning the stored task.
func (q *Queue) Submit(ctx context.Context, n task.NewTask) (task.Task, error) {
	if err := n.Payload.Validate(); err != nil {
		return task.Task{}, err
	}
	if n.Periodic && q.periodic != nil {
		if err := q.periodic.Validate(n.Payload); err != nil {
			return task.Task{}, err
		}
	}
	t, err := q.store.Enqueue(ctx, n)
	if err != nil {
		return task.Task{}, err
	}
	q.log.Debug("task.enqueued",
		logx.String("task_id", t.ID),
		logx.String("kind", t.Kind()),
		logx.String("priority", string(t.Priority)),
		logx.Time("deadline", t.Deadline),
		logx.Bool("periodic", t.Periodic),
	)
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskEnqueued, Data: eventOf(t, 0, nil)})
	return t, nil
}
