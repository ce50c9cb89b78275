package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/login1"

	"wakecall/internal/interrupt"
	logx "wakecall/pkg/logx"
)

// Inhibitor takes a logind-style inhibitor lock. Closing it releases the lock.
type Inhibitor func(ctx context.Context, why string) (io.Closer, error)

// LogindInhibitor blocks sleep and idle through systemd-logind.
func LogindInhibitor(who string) Inhibitor {
	var (
		mu   sync.Mutex
		conn *login1.Conn
	)
	return func(ctx context.Context, why string) (io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		if conn == nil {
			c, err := login1.New()
			if err != nil {
				return nil, fmt.Errorf("logind: %w", err)
			}
			conn = c
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := conn.Inhibit("sleep:idle", who, why, "block")
		if err != nil {
			// The bus may have dropped; reconnect on the next attempt.
			conn.Close()
			conn = nil
			return nil, fmt.Errorf("logind inhibit: %w", err)
		}
		return f, nil
	}
}

// WakeLock holds an inhibitor for at most the requested ceiling.
type WakeLock struct {
	inhibit Inhibitor
	why     string
	log     logx.Logger
}

func NewWakeLock(inhibit Inhibitor, log logx.Logger) *WakeLock {
	return &WakeLock{inhibit: inhibit, why: "wake-up call in progress", log: log.Component("wakelock")}
}

func (w *WakeLock) Acquire(ctx context.Context, ceiling time.Duration) (interrupt.Releaser, error) {
	c, err := w.inhibit(ctx, w.why)
	if err != nil {
		return nil, err
	}
	l := &heldLock{c: c}
	if ceiling > 0 {
		l.timer = time.AfterFunc(ceiling, func() {
			if l.release() {
				w.log.Warn("wake lock ceiling reached; released", logx.Duration("ceiling", ceiling))
			}
		})
	}
	w.log.Debug("wake lock acquired", logx.Duration("ceiling", ceiling))
	return l, nil
}

type heldLock struct {
	mu       sync.Mutex
	c        io.Closer
	timer    *time.Timer
	released bool
	err      error
}

// release closes the inhibitor once and reports whether this call did it.
func (l *heldLock) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	l.released = true
	if l.timer != nil {
		l.timer.Stop()
	}
	l.err = l.c.Close()
	return true
}

func (l *heldLock) Release() error {
	l.release()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
