package scheduler

import (
	"fmt"
	"sync"
	"time"

	"eden/internal/task"
	logx "eden/pkg/logx"
)

// ScheduleField is the optional payload member carrying a task's own recurrence.
const ScheduleField = "schedule"

// DefaultInterval is used when neither the payload nor the kind's registration
// names a schedule.
const DefaultInterval = time.Hour

// KindSchedules resolves a default schedule registered for a payload kind.
type KindSchedules interface {
	ScheduleFor(kind string) (string, bool)
}

type Config struct {
	// Fallback applies when nothing more specific is configured. 0 means DefaultInterval.
	Fallback time.Duration
	// Location for cron specs. nil means UTC.
	Location *time.Location
}

// Rescheduler computes the successor of a completed periodic task.
type Rescheduler struct {
	log      logx.Logger
	kinds    KindSchedules
	fallback Schedule
	loc      *time.Location

	mu    sync.Mutex
	cache map[string]Schedule
}

func NewRescheduler(cfg Config, kinds KindSchedules, log logx.Logger) *Rescheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Fallback <= 0 {
		cfg.Fallback = DefaultInterval
	}
	return &Rescheduler{
		log:      log,
		kinds:    kinds,
		fallback: Every(cfg.Fallback),
		loc:      cfg.Location,
		cache:    map[string]Schedule{},
	}
}

// Validate rejects a periodic payload whose own schedule does not parse.
func (r *Rescheduler) Validate(p task.Payload) error {
	raw, ok := p.String(ScheduleField)
	if !ok {
		return nil
	}
	if _, err := r.compile(raw); err != nil {
		return fmt.Errorf("%w: %s: %v", task.ErrInvalidPayload, ScheduleField, err)
	}
	return nil
}

// ScheduleOf resolves the recurrence of t: payload "schedule", then the
// kind's registered schedule, then the fallback interval.
func (r *Rescheduler) ScheduleOf(t task.Task) Schedule {
	if raw, ok := t.Payload.String(ScheduleField); ok {
		s, err := r.compile(raw)
		if err == nil {
			return s
		}
		r.log.Warn("task.schedule_invalid", logx.String("task_id", t.ID), logx.String("schedule", raw), logx.Err(err))
	}
	if r.kinds != nil {
		if raw, ok := r.kinds.ScheduleFor(t.Kind()); ok {
			s, err := r.compile(raw)
			if err == nil {
				return s
			}
			r.log.Warn("task.schedule_invalid", logx.String("kind", t.Kind()), logx.String("schedule", raw), logx.Err(err))
		}
	}
	return r.fallback
}

// Successor returns the task to enqueue when periodic t completes at now, or
// nil when t is not periodic. It keeps the payload and priority.
func (r *Rescheduler) Successor(t task.Task, now time.Time) *task.NewTask {
	if !t.Periodic {
		return nil
	}
	next := r.ScheduleOf(t).Next(now, r.loc)
	if next.IsZero() {
		// A cron spec that never fires again; fall back rather than drop the chain.
		next = r.fallback.Next(now, r.loc)
	}
	return &task.NewTask{
		Payload:  t.Payload,
		Deadline: next,
		Priority: t.Priority,
		Periodic: true,
	}
}

func (r *Rescheduler) compile(raw string) (Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache[raw]; ok {
		return s, nil
	}
	s, err := Compile(raw)
	if err != nil {
		return Schedule{}, err
	}
	if len(r.cache) > 256 {
		clear(r.cache)
	}
	r.cache[raw] = s
	return s, nil
}
