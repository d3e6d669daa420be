// Package dispatcher is the per-node claim loop: claim a batch of owned,
// eligible tasks, hand each to the executor pool, and drain the whole batch
// before claiming again.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"eden/internal/eventbus"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

const (
	DefaultBatchSize            = 50
	DefaultPollInterval         = time.Second
	DefaultErrorBackoff         = 30 * time.Second
	DefaultMaxConsecutiveErrors = 2
)

// Claimer is the part of the task store the dispatcher needs.
type Claimer interface {
	ClaimBatch(ctx context.Context, p task.Partition, limit int) ([]task.Task, error)
	Requeue(ctx context.Context, t task.Task) (bool, error)
}

// Executor runs claimed tasks with bounded concurrency.
type Executor interface {
	Acquire(ctx context.Context) error
	Run(ctx context.Context, t task.Task, done func())
}

type Config struct {
	// Partition selects which tasks this dispatcher may claim. Required.
	Partition task.Partition
	BatchSize int
	// PollInterval is the idle wait after an empty batch.
	PollInterval time.Duration
	// ErrorBackoff replaces PollInterval once MaxConsecutiveErrors claims in a row failed.
	ErrorBackoff         time.Duration
	MaxConsecutiveErrors int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	return c
}

type Dispatcher struct {
	cfg   Config
	store Claimer
	pool  Executor
	log   logx.Logger
	bus   eventbus.Bus
	warn  rate.Sometimes

	batches    atomic.Uint64
	dispatched atomic.Uint64
	released   atomic.Uint64
	claimErrs  atomic.Uint64
}

func New(cfg Config, store Claimer, pool Executor, log logx.Logger, bus eventbus.Bus) (*Dispatcher, error) {
	if cfg.Partition.Total() == 0 {
		return nil, errors.New("dispatcher: partition is required")
	}
	if store == nil || pool == nil {
		return nil, errors.New("dispatcher: store and pool are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop
	}
	return &Dispatcher{
		cfg:   cfg.withDefaults(),
		store: store,
		pool:  pool,
		log:   log,
		bus:   bus,
		warn:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Run loops until ctx is cancelled. It returns nil on cancellation; store
// errors never end the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		logx.String("partition", d.cfg.Partition.String()),
		logx.Int("batch_size", d.cfg.BatchSize),
		logx.Duration("poll_interval", d.cfg.PollInterval),
	)
	defer d.log.Info("dispatcher stopped")

	consecutive := 0
	for ctx.Err() == nil {
		n, err := d.Tick(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			d.claimErrs.Add(1)
			wait = d.cfg.PollInterval
			if consecutive >= d.cfg.MaxConsecutiveErrors {
				wait = d.cfg.ErrorBackoff
			}
			d.warn.Do(func() {
				d.log.Warn("task.claim_failed", logx.Err(err), logx.Int("consecutive", consecutive), logx.Duration("retry_in", wait))
			})
		case n == 0:
			consecutive = 0
			wait = d.cfg.PollInterval
		default:
			consecutive = 0
		}
		if wait > 0 && !sleep(ctx, wait) {
			return nil
		}
	}
	return nil
}

// Tick claims one batch and blocks until all of it has been reported. It
// returns how many tasks were handed to the pool. Tasks that could not be
// started because ctx ended are returned to the queue.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimBatch(ctx, d.cfg.Partition, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	d.batches.Add(1)
	d.log.Debug("task.claimed", logx.Int("count", len(batch)))
	d.bus.Publish(eventbus.Event{Type: eventbus.TaskClaimed, Data: eventbus.TaskEvent{Count: len(batch)}})

	var wg sync.WaitGroup
	started := 0
	for i, t := range batch {
		if err := d.pool.Acquire(ctx); err != nil {
			d.release(ctx, batch[i:])
			break
		}
		wg.Add(1)
		d.pool.Run(ctx, t, wg.Done)
		started++
	}
	wg.Wait()
	d.dispatched.Add(uint64(started))
	return started, nil
}

// release hands claimed-but-unstarted tasks back to the queue.
func (d *Dispatcher) release(ctx context.Context, rest []task.Task) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, t := range rest {
		ok, err := d.store.Requeue(rctx, t)
		if err != nil {
			// The reaper picks it up once it counts as stalled.
			d.log.Warn("task.release_failed", logx.String("task_id", t.ID), logx.Err(err))
			continue
		}
		if ok {
			d.released.Add(1)
			d.bus.Publish(eventbus.Event{Type: eventbus.TaskReleased, Data: eventbus.TaskEvent{ID: t.ID, Kind: t.Kind(), Sequence: t.Sequence, Attempts: t.Attempts}})
		}
	}
	d.log.Info("released unstarted tasks", logx.Int("count", len(rest)))
}

// Stats is a point-in-time view of the dispatcher counters.
type Stats struct {
	Batches     uint64
	Dispatched  uint64
	Released    uint64
	ClaimErrors uint64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Batches:     d.batches.Load(),
		Dispatched:  d.dispatched.Load(),
		Released:    d.released.Load(),
		ClaimErrors: d.claimErrs.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
