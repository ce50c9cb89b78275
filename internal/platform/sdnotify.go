package platform

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wakecall/pkg/logx"
)

// Notifier speaks the sd_notify protocol. Outside systemd (no
// NOTIFY_SOCKET) every call is a silent no-op.
type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.Component("sdnotify")}
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// Ready reports startup complete; call it after schedule recovery.
func (n *Notifier) Ready(status string) {
	if status != "" {
		n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
		return
	}
	n.send(daemon.SdNotifyReady)
}

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Info("watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
