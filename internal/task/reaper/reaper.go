// Package reaper returns stalled tasks to the queue. A task is stalled when it
// has been running without any status change for longer than the threshold,
// which usually means the worker that claimed it died mid-flight.
package reaper

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"eden/internal/eventbus"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

const (
	DefaultThreshold = 30 * time.Minute
	DefaultInterval  = time.Minute
)

type Store interface {
	ListStalled(ctx context.Context, threshold time.Duration) ([]task.Task, error)
	Requeue(ctx context.Context, t task.Task) (bool, error)
}

type Config struct {
	Threshold time.Duration
	Interval  time.Duration
	// Partition limits recovery to tasks this node owns. The zero value
	// recovers every stalled task.
	Partition task.Partition
}

type Reaper struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	warn  rate.Sometimes
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Reaper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop
	}
	return &Reaper{
		cfg:   cfg,
		store: store,
		log:   log,
		bus:   bus,
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Minute},
	}
}

// Run sweeps once immediately and then every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", logx.Duration("threshold", r.cfg.Threshold), logx.Duration("interval", r.cfg.Interval))
	defer r.log.Info("reaper stopped")

	tk := time.NewTicker(r.cfg.Interval)
	defer tk.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.warn.Do(func() { r.log.Warn("reaper sweep failed", logx.Err(err)) })
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
	}
}

// Sweep requeues every stalled task once and returns how many were
// recovered. Attempts are left unchanged. A task that moved on between the
// listing and the requeue is skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stalled, err := r.store.ListStalled(ctx, r.cfg.Threshold)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stalled {
		if r.cfg.Partition.Total() > 0 && !r.cfg.Partition.Owns(t.Sequence) {
			continue
		}
		ok, err := r.store.Requeue(ctx, t)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		r.log.Warn("task.reaped",
			logx.String("task_id", t.ID),
			logx.String("kind", t.Kind()),
			logx.Int64("seq", t.Sequence),
			logx.String("outcome", string(task.OutcomeStallRecovered)),
			logx.Duration("stalled_for", time.Since(t.UpdatedAt)),
		)
		r.bus.Publish(eventbus.Event{Type: eventbus.TaskReaped, Data: eventbus.TaskEvent{ID: t.ID, Kind: t.Kind(), Sequence: t.Sequence, Attempts: t.Attempts}})
	}
	return n, nil
}
