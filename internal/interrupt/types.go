// Package interrupt owns the single on-device wake-up session.
//
// Presenter is an actor: Raise, Accept, Decline, timeouts and surface exits
// are messages handled by one goroutine, so the resource set (wake lock,
// alarm audio, vibration, surface) is never held by two sessions at once.
package interrupt

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("interrupt presenter stopped")
	ErrNoSession = errors.New("no matching interrupt session")
)

type State int

const (
	Idle State = iota
	Raising
	Active
	Resolving
)

func (s State) String() string {
	switch s {
	case Raising:
		return "RAISING"
	case Active:
		return "ACTIVE"
	case Resolving:
		return "RESOLVING"
	default:
		return "IDLE"
	}
}

type Resolution int

const (
	Unresolved Resolution = iota
	Accepted
	Declined
	Expired
	// Superseded sessions were force-resolved by a newer raise.
	Superseded
	// Aborted sessions ended because the surface exited or the presenter stopped.
	Aborted
)

func (r Resolution) String() string {
	switch r {
	case Accepted:
		return "ACCEPTED"
	case Declined:
		return "DECLINED"
	case Expired:
		return "EXPIRED"
	case Superseded:
		return "SUPERSEDED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNRESOLVED"
	}
}

// Releaser gives back one acquired resource. Release is called exactly once.
type Releaser interface {
	Release() error
}

// WakeLocker keeps the host from suspending. Implementations must release
// on their own once ceiling elapses.
type WakeLocker interface {
	Acquire(ctx context.Context, ceiling time.Duration) (Releaser, error)
}

// AudioChannel plays the alarm-class alert until released.
type AudioChannel interface {
	Start(ctx context.Context) (Releaser, error)
}

// Pattern is a repeating two-phase vibration waveform.
type Pattern struct {
	On  time.Duration
	Off time.Duration
}

type Vibrator interface {
	Start(ctx context.Context, p Pattern) (Releaser, error)
}

// Prompt is what a surface shows.
type Prompt struct {
	Session    uint64
	ScheduleID string
	UserID     string
	Label      string
	Instant    time.Time
	Recovered  bool
}

// SurfaceHandle is a launched full-attention surface. Done closes when the
// surface goes away on its own.
type SurfaceHandle interface {
	Releaser
	Done() <-chan struct{}
}

type Surface interface {
	Launch(ctx context.Context, p Prompt) (SurfaceHandle, error)
}

// Resources are the drivers for one host. Any may be nil.
type Resources struct {
	WakeLock WakeLocker
	Audio    AudioChannel
	Vibrator Vibrator
	Surface  Surface
}

type Config struct {
	// WakeCeiling bounds the wake lock hold. Default 10m.
	WakeCeiling time.Duration
	// Timeout resolves an unanswered session as EXPIRED. Default WakeCeiling.
	Timeout time.Duration
	// AcquireTimeout bounds each resource acquisition. Default 10s.
	AcquireTimeout time.Duration
	Vibration      Pattern
}

func (c Config) withDefaults() Config {
	if c.WakeCeiling <= 0 {
		c.WakeCeiling = 10 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = c.WakeCeiling
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.Vibration.On <= 0 {
		c.Vibration.On = time.Second
	}
	if c.Vibration.Off <= 0 {
		c.Vibration.Off = time.Second
	}
	return c
}

// Result describes a resolved session.
type Result struct {
	Session    uint64
	ScheduleID string
	UserID     string
	Resolution Resolution
	Raised     time.Time
	Resolved   time.Time
	Degraded   []string
	// TeardownErr joins every release error. Teardown never stops early.
	TeardownErr error
}

type Snapshot struct {
	State      string    `json:"state"`
	Session    uint64    `json:"session,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Since      time.Time `json:"since,omitzero"`
	Degraded   []string  `json:"degraded,omitempty"`
	Raised     uint64    `json:"raised"`
	Resolved   uint64    `json:"resolved"`
}
