// Package app wires the worker: config, logging, the task store, the
// execution engine, and the background loops that drive them.
package app

import (
	"context"
	"fmt"
	"time"

	"eden/internal/config"
	"eden/internal/eventbus"
	"eden/internal/handlers"
	"eden/internal/metrics"
	"eden/internal/ops"
	"eden/internal/storage"
	"eden/internal/task/dispatcher"
	"eden/internal/task/engine"
	"eden/internal/task/reaper"
	"eden/internal/task/scheduler"
	logx "eden/pkg/logx"
	"eden/pkg/systemd"

	rtsup "eden/internal/runtime/supervisor"
)

// StopReason is logged when the worker shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm     *config.Manager
	settings config.Settings

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	sup  *rtsup.Supervisor

	store    *storage.Store
	registry *engine.Registry
	resched  *scheduler.Rescheduler
	queue    *engine.Queue
	pool     *engine.Pool
	disp     *dispatcher.Dispatcher
	reaper   *reaper.Reaper
	metrics  *metrics.Metrics
	ops      *ops.Server
	notify   *systemd.Notifier
	units    *systemd.Units

	started time.Time
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	_, s, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.Logging)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	ws := s.Worker

	store, err := storage.Open(ctx, storage.Config{
		Path:           s.Database.Path,
		BusyTimeout:    s.Database.BusyTimeout,
		ConnectTimeout: s.Database.ConnectTimeout,
		QueryTimeout:   s.Database.QueryTimeout,
	}, log.With(logx.String("comp", "storage")), storage.WithRetryPolicy(ws.Retry))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}

	started := time.Now()
	deps := handlers.Deps{
		Store:   store,
		Log:     log.With(logx.String("comp", "handlers")),
		Started: started,
	}
	var units *systemd.Units
	if len(s.Systemd.Units) > 0 {
		units = systemd.NewUnits(s.Systemd.Units)
		deps.Units = units
	}
	reg := engine.NewRegistry()
	if err := handlers.Register(reg, deps); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	resched := scheduler.NewRescheduler(scheduler.Config{
		Fallback: ws.PeriodicInterval,
		Location: ws.Location,
	}, reg, log.With(logx.String("comp", "scheduler")))
	engLog := log.With(logx.String("comp", "engine"))
	queue := engine.NewQueue(store, resched, engLog, bus)
	pool := engine.NewPool(engine.Config{MaxRunning: ws.MaxRunning}, reg, store, resched, engLog, bus)

	disp, err := dispatcher.New(dispatcher.Config{
		Partition:    ws.Partition,
		BatchSize:    ws.BatchSize,
		PollInterval: ws.PollInterval,
		ErrorBackoff: ws.ErrorBackoff,
	}, store, pool, log.With(logx.String("comp", "dispatcher")), bus)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		settings: s,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: reg,
		resched:  resched,
		queue:    queue,
		pool:     pool,
		disp:     disp,
		reaper: reaper.New(reaper.Config{
			Threshold: ws.StalledThreshold,
			Interval:  ws.ReaperInterval,
		}, store, log.With(logx.String("comp", "reaper")), bus),
		metrics: metrics.New(metrics.Sources{
			Counts:   store.Counts,
			InFlight: func() int { return pool.Snapshot().InFlight },
		}, log.With(logx.String("comp", "metrics"))),
		notify:  systemd.New(log.With(logx.String("comp", "systemd"))),
		units:   units,
		started: started,
	}
	if s.Ops.Enabled {
		a.ops = ops.NewServer(ops.Config{
			Addr:        s.Ops.Addr,
			Token:       s.Ops.Token,
			Pprof:       s.Ops.Pprof,
			ReadTimeout: s.Ops.ReadTimeout,
			IdleTimeout: s.Ops.IdleTimeout,
		}, ops.Deps{
			Store:   store,
			Queue:   queue,
			Metrics: a.metrics.Registry(),
			Health:  a.health,
		}, log)
	}
	return a, nil
}

// Registry lets callers add handlers before Start.
func (a *App) Registry() *engine.Registry { return a.registry }

// Queue is the producer API for the rest of the bot.
func (a *App) Queue() *engine.Queue { return a.queue }

// Done is closed when the run context ends (fatal loop error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	ws := a.settings.Worker

	if ws.ClearTemporary {
		for _, kind := range a.registry.TemporaryKinds() {
			n, err := a.store.DeleteWithKind(ctx, kind)
			if err != nil {
				return fmt.Errorf("clear temporary tasks %s: %w", kind, err)
			}
			if n > 0 {
				a.log.Info("temporary tasks cleared", logx.String("kind", kind), logx.Int64("deleted", n))
			}
		}
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	a.sup.Go("dispatcher", a.disp.Run)
	a.sup.Go("reaper", a.reaper.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if a.ops != nil {
		a.ops.Start(a.sup.Context())
	}

	a.notify.Ready()
	a.notify.Status("claiming %s", ws.Partition)
	a.log.Info("worker started",
		logx.String("partition", ws.Partition.String()),
		logx.Int("max_running", ws.MaxRunning),
		logx.Any("kinds", a.registry.Kinds()),
	)
	return nil
}

// Stop ends claiming, lets in-flight handlers report, and closes the store.
// Every step is bounded; a step that overruns is logged and skipped.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()
	a.sup.Cancel()

	// Loops first: the dispatcher returns once its current batch has drained
	// and unstarted tasks are handed back.
	a.step(ctx, "loops", 30*time.Second, a.sup.Wait)
	a.step(ctx, "pool", 30*time.Second, a.pool.Wait)
	if a.ops != nil {
		a.step(ctx, "ops", 2*time.Second, a.ops.Stop)
	}
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	if a.units != nil {
		a.units.Close()
	}

	st := a.disp.Stats()
	a.log.Info("stopped",
		logx.Int64("dispatched", int64(st.Dispatched)),
		logx.Int64("released", int64(st.Released)),
		logx.Duration("uptime", time.Since(a.started).Round(time.Second)),
	)
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) health() map[string]any {
	loops := map[string]bool{}
	if a.sup != nil {
		for _, l := range a.sup.Snapshot() {
			loops[l.Name] = l.Active > 0
		}
	}
	ps := a.pool.Snapshot()
	return map[string]any{
		"partition": a.settings.Worker.Partition.String(),
		"in_flight": ps.InFlight,
		"capacity":  ps.Capacity,
		"loops":     loops,
		"uptime":    time.Since(a.started).Round(time.Second).String(),
	}
}
