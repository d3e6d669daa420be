// Package handlers holds the worker's built-in task kinds.
package handlers

import (
	"context"
	"errors"
	"runtime"
	"time"

	"eden/internal/task"
	"eden/internal/task/engine"
	logx "eden/pkg/logx"
)

const (
	KindPing          = "ping"
	KindPurgeFinished = "tasks.purge_finished"
	KindSystemReport  = "system.report"
)

// Store is what the housekeeping handlers need from the task store.
type Store interface {
	Counts(ctx context.Context) (map[task.Status]int64, error)
	DeleteWithStatus(ctx context.Context, st task.Status) (int64, error)
}

type Deps struct {
	Store Store
	Log   logx.Logger
	// Started is the process start time reported by system.report.
	Started time.Time
	// Units enables the systemd.unit kind when set.
	Units UnitControl
}

// Register adds the built-in kinds to reg.
func Register(reg *engine.Registry, deps Deps) error {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	h := &builtin{deps: deps}
	errs := []error{
		reg.Register(KindPing, engine.Typed(h.ping)),
		reg.Register(KindPurgeFinished, engine.HandlerFunc(h.purgeFinished), engine.WithSchedule("@daily")),
		reg.Register(KindSystemReport, engine.HandlerFunc(h.systemReport), engine.WithSchedule("15m")),
	}
	if deps.Units != nil {
		errs = append(errs, reg.Register(KindUnitAction, engine.Typed(h.unitAction)))
	}
	return errors.Join(errs...)
}

type builtin struct {
	deps Deps
}

type PingPayload struct {
	Message string `json:"message,omitempty"`
	// Fail makes the handler return an error with this text (smoke-testing
	// retries end to end).
	Fail string `json:"fail,omitempty"`
}

func (b *builtin) ping(_ context.Context, t task.Task, p PingPayload) error {
	if p.Fail != "" {
		return errors.New(p.Fail)
	}
	msg := p.Message
	if msg == "" {
		msg = "pong"
	}
	b.deps.Log.Info(msg, logx.String("task_id", t.ID), logx.Int("attempts", t.Attempts))
	return nil
}

// purgeFinished drops successful tasks. Failed ones are kept for inspection.
func (b *builtin) purgeFinished(ctx context.Context, t task.Task) error {
	n, err := b.deps.Store.DeleteWithStatus(ctx, task.StatusSuccess)
	if err != nil {
		return err
	}
	b.deps.Log.Info("finished tasks purged", logx.Int64("deleted", n), logx.String("task_id", t.ID))
	return nil
}

func (b *builtin) systemReport(ctx context.Context, _ task.Task) error {
	counts, err := b.deps.Store.Counts(ctx)
	if err != nil {
		return err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	b.deps.Log.Info("system report",
		logx.Duration("uptime", time.Since(b.deps.Started).Round(time.Second)),
		logx.Int("goroutines", runtime.NumGoroutine()),
		logx.Int64("heap_alloc", int64(ms.HeapAlloc)),
		logx.Int64("queued", counts[task.StatusQueued]),
		logx.Int64("running", counts[task.StatusRunning]),
		logx.Int64("failed", counts[task.StatusFailed]),
	)
	return nil
}
