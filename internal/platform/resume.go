package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"

	logx "wakecall/pkg/logx"
)

const prepareForSleep = "org.freedesktop.login1.Manager.PrepareForSleep"

// WatchResume calls onResume each time logind reports the host woke from
// suspend. Timers do not advance while suspended, so the caller re-checks
// pending instants there. It returns when ctx ends or the bus drops.
func WatchResume(ctx context.Context, log logx.Logger, onResume func(context.Context)) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("logind: %w", err)
	}
	defer conn.Close()

	signals := conn.Subscribe("PrepareForSleep")
	log.Debug("watching suspend/resume")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("logind signal channel closed")
			}
			sleeping, ok := sleepState(sig)
			if !ok {
				continue
			}
			if sleeping {
				log.Info("host suspending")
				continue
			}
			log.Info("host resumed")
			onResume(ctx)
		}
	}
}

// sleepState decodes PrepareForSleep: true before suspend, false after resume.
func sleepState(sig *dbus.Signal) (sleeping bool, ok bool) {
	if sig == nil || sig.Name != prepareForSleep || len(sig.Body) == 0 {
		return false, false
	}
	v, ok := sig.Body[0].(bool)
	return v, ok
}
