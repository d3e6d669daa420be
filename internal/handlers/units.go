package handlers

import (
	"context"
	"fmt"
	"strings"

	"eden/internal/task"
	logx "eden/pkg/logx"
)

const KindUnitAction = "systemd.unit"

// UnitControl acts on systemd units. Implemented by systemd.Units.
type UnitControl interface {
	Apply(ctx context.Context, unit, action string) (string, error)
}

type UnitPayload struct {
	Unit   string `json:"unit"`
	Action string `json:"action"`
}

// unitAction runs a scheduled unit operation ("restart nginx at 03:00").
// Action defaults to restart.
func (b *builtin) unitAction(ctx context.Context, t task.Task, p UnitPayload) error {
	unit := strings.TrimSpace(p.Unit)
	if unit == "" {
		return fmt.Errorf("%w: unit is required", task.ErrInvalidPayload)
	}
	action := strings.ToLower(strings.TrimSpace(p.Action))
	if action == "" {
		action = "restart"
	}
	res, err := b.deps.Units.Apply(ctx, unit, action)
	if err != nil {
		return err
	}
	b.deps.Log.Info("unit action done",
		logx.String("task_id", t.ID),
		logx.String("unit", unit),
		logx.String("action", action),
		logx.String("result", res),
	)
	return nil
}
