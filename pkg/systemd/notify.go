// Package systemd speaks the sd_notify protocol: readiness, shutdown,
// status lines and watchdog keep-alives. Every call is a no-op when the
// process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "eden/pkg/logx"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; replaced in tests.
	send func(unsetEnvironment bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled; replaced in tests.
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, send: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

func (n *Notifier) Ready() { n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

func (n *Notifier) notify(state string) bool {
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Watchdog pings the manager at half of WATCHDOG_USEC until ctx ends. It
// returns immediately when the unit has no watchdog configured. healthy,
// when set, gates each ping so a wedged process stops reporting.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.watchdog(false)
	if err != nil {
		return fmt.Errorf("systemd watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if healthy != nil && !healthy() {
				n.log.Warn("systemd watchdog ping skipped: unhealthy")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
