package systemd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Unit actions accepted by Units.Apply.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// Units starts, stops and restarts an allowlisted set of units over the
// system D-Bus. The connection is opened on first use.
type Units struct {
	allowed []string

	mu   sync.Mutex
	conn *dbus.Conn
}

func NewUnits(allowed []string) *Units {
	norm := make([]string, 0, len(allowed))
	for _, u := range allowed {
		if u = UnitName(u); u != ".service" && !slices.Contains(norm, u) {
			norm = append(norm, u)
		}
	}
	return &Units{allowed: norm}
}

// UnitName appends ".service" when unit has no type suffix.
func UnitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func (u *Units) Allowed(unit string) bool { return slices.Contains(u.allowed, UnitName(unit)) }

// Apply runs action on unit and waits for the job result ("done" on
// success).
func (u *Units) Apply(ctx context.Context, unit, action string) (string, error) {
	name := UnitName(unit)
	if !u.Allowed(name) {
		return "", fmt.Errorf("unit %s is not managed", name)
	}
	conn, err := u.connect(ctx)
	if err != nil {
		return "", err
	}
	ch := make(chan string, 1)
	switch action {
	case ActionStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", ch)
	case ActionStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", ch)
	case ActionRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", ch)
	default:
		return "", fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		u.reset()
		return "", fmt.Errorf("%s %s: %w", action, name, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return res, fmt.Errorf("%s %s: job %s", action, name, res)
		}
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *Units) connect(ctx context.Context) (*dbus.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil && u.conn.Connected() {
		return u.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd dbus: %w", err)
	}
	u.conn = conn
	return conn, nil
}

func (u *Units) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil && !u.conn.Connected() {
		u.conn.Close()
		u.conn = nil
	}
}

func (u *Units) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}
