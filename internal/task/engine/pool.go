package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"eden/internal/eventbus"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

const (
	DefaultMaxRunning    = 10
	DefaultReportTimeout = 30 * time.Second
)

// Reporter records task outcomes. Implemented by the task store.
type Reporter interface {
	Complete(ctx context.Context, t task.Task, successor *task.NewTask) (*task.Task, error)
	Fail(ctx context.Context, t task.Task, cause error) (task.Task, error)
}

// Successors derives the follow-up of a completed periodic task.
type Successors interface {
	Successor(t task.Task, now time.Time) *task.NewTask
}

type Config struct {
	// MaxRunning bounds concurrently executing handlers. 0 means DefaultMaxRunning.
	MaxRunning int
	// ReportTimeout bounds each outcome write. 0 means DefaultReportTimeout.
	ReportTimeout time.Duration
}

// Pool runs task handlers with bounded concurrency and reports each outcome
// back to the store before releasing its slot.
type Pool struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	reg     *Registry
	store   Reporter
	resched Successors
	now     func() time.Time

	permits  chan struct{}
	inFlight atomic.Int32
	wg       sync.WaitGroup

	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	lost      atomic.Uint64
}

func NewPool(cfg Config, reg *Registry, store Reporter, resched Successors, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = DefaultMaxRunning
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop
	}
	if reg == nil {
		reg = NewRegistry()
	}
	p := &Pool{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		reg:     reg,
		store:   store,
		resched: resched,
		now:     time.Now,
		permits: make(chan struct{}, cfg.MaxRunning),
	}
	for i := 0; i < cfg.MaxRunning; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.permits:
		return nil
	}
}

func (p *Pool) release() {
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

// Run executes t in its own goroutine using a slot obtained from Acquire.
// done (optional) is called after the outcome has been reported and the slot
// released. Handlers get a context that is not cancelled by ctx: a running
// handler is never interrupted.
func (p *Pool) Run(ctx context.Context, t task.Task, done func()) {
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.release()
			p.wg.Done()
			if done != nil {
				done()
			}
		}()
		p.execute(context.WithoutCancel(ctx), t)
	}()
}

// Wait blocks until every started task has reported, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) execute(ctx context.Context, t task.Task) {
	log := p.log.With(logx.String("task_id", t.ID), logx.String("kind", t.Kind()), logx.Int64("seq", t.Sequence))
	start := p.now()
	log.Debug("task.started", logx.Int("attempts", t.Attempts))
	p.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: eventOf(t, 0, nil)})

	err := p.invoke(ctx, t, log)
	took := p.now().Sub(start)

	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReportTimeout)
	defer cancel()

	if err == nil {
		var succ *task.NewTask
		if p.resched != nil {
			succ = p.resched.Successor(t, p.now())
		}
		next, rerr := p.store.Complete(rctx, t, succ)
		if rerr != nil {
			p.reportFailed(log, "complete", rerr)
			return
		}
		p.completed.Add(1)
		log.Info("task.completed", logx.Duration("took", took))
		p.bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: eventOf(t, took, nil)})
		if next != nil {
			log.Debug("task.rescheduled", logx.String("next_id", next.ID), logx.Time("deadline", next.Deadline))
			p.bus.Publish(eventbus.Event{Type: eventbus.TaskRescheduled, Data: eventOf(*next, 0, nil)})
		}
		return
	}

	updated, ferr := p.store.Fail(rctx, t, err)
	if ferr != nil {
		p.reportFailed(log, "fail", ferr)
		return
	}
	switch Classify(updated) {
	case task.OutcomeRetryLimitExceeded:
		p.failed.Add(1)
		log.Error("task.failed",
			logx.Err(fmt.Errorf("%w: %w", task.ErrRetryLimitExceeded, err)),
			logx.Int("attempts", updated.Attempts),
			logx.Duration("took", took),
		)
		p.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: eventOf(updated, took, err)})
	default:
		p.retried.Add(1)
		log.Warn("task.retry",
			logx.Err(err),
			logx.Int("attempts", updated.Attempts),
			logx.Time("next_deadline", updated.Deadline),
			logx.Duration("took", took),
		)
		p.bus.Publish(eventbus.Event{Type: eventbus.TaskRetry, Data: eventOf(updated, took, err)})
	}
}

// invoke runs the registered handler, turning a panic into an error.
func (p *Pool) invoke(ctx context.Context, t task.Task, log logx.Logger) (err error) {
	reg, ok := p.reg.Lookup(t.Kind())
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, t.Kind())
	}
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return reg.Handler.Handle(ctx, t)
}

// reportFailed handles an outcome that could not be written. The task stays
// running in the store until the reaper returns it to the queue.
func (p *Pool) reportFailed(log logx.Logger, op string, err error) {
	if errors.Is(err, task.ErrLostClaim) || errors.Is(err, task.ErrTaskNotFound) {
		p.lost.Add(1)
		log.Warn("task.claim_lost", logx.String("op", op), logx.Err(err))
		return
	}
	log.Error("task.report_failed", logx.String("op", op), logx.Err(err))
}

// Classify maps the store's post-failure state to an outcome.
func Classify(t task.Task) task.Outcome {
	switch t.Status {
	case task.StatusFailed:
		return task.OutcomeRetryLimitExceeded
	case task.StatusSuccess:
		return task.OutcomeSuccess
	default:
		return task.OutcomeTransient
	}
}

func eventOf(t task.Task, took time.Duration, err error) eventbus.TaskEvent {
	ev := eventbus.TaskEvent{ID: t.ID, Kind: t.Kind(), Sequence: t.Sequence, Attempts: t.Attempts, Duration: took}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Capacity  int
	InFlight  int
	Completed uint64
	Retried   uint64
	Failed    uint64
	Panics    uint64
	LostClaim uint64
}

func (p *Pool) Snapshot() Snapshot {
	return Snapshot{
		Capacity:  p.cfg.MaxRunning,
		InFlight:  int(p.inFlight.Load()),
		Completed: p.completed.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		LostClaim: p.lost.Load(),
	}
}
