package trigger

import (
	"context"
	"time"

	"wakecall/internal/schedule"
)

// Deliverer executes one fire event and reports the final attempt.
type Deliverer interface {
	Deliver(ctx context.Context, f schedule.Fire) schedule.Attempt
}

// Store is the part of the schedule store the scheduler needs.
type Store interface {
	Get(ctx context.Context, id string) (schedule.Record, error)
	List(ctx context.Context) ([]schedule.Record, error)
	RecordArmed(ctx context.Context, id string, at time.Time) error
	RecordFired(ctx context.Context, id string, instant time.Time, outcome schedule.Outcome) (schedule.Record, error)
	Location(rec schedule.Record) *time.Location
}

// PlatformAlarm is a host wake facility holding one registration: the
// earliest pending instant. A zero time clears it.
type PlatformAlarm interface {
	Set(at time.Time) error
}

// DefaultFireTimeout bounds a fire event when scheduler.fire_timeout is unset.
const DefaultFireTimeout = 10 * time.Minute

type Config struct {
	// MaxSleep caps a single loop sleep. Default 30s.
	MaxSleep time.Duration
	// Reconcile is the cron spec of the store reconcile sweep. Default
	// "@every 1m"; "off" disables it.
	Reconcile string
	// FireTimeout bounds one delivery. Default DefaultFireTimeout.
	FireTimeout time.Duration
	// Timezone for maintenance jobs. Empty means Local.
	Timezone string
	// Now overrides the wall clock.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxSleep <= 0 {
		c.MaxSleep = 30 * time.Second
	}
	if c.Reconcile == "" {
		c.Reconcile = "@every 1m"
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = DefaultFireTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Decision is what recovery does with a PENDING record.
type Decision int

const (
	// Arm installs the next future instant.
	Arm Decision = iota
	// FireNow delivers a missed instant immediately.
	FireNow
	// Skip re-arms a DAILY record whose missed instant is a full cycle old.
	Skip
)

func (d Decision) String() string {
	switch d {
	case FireNow:
		return "fire_now"
	case Skip:
		return "skip"
	default:
		return "arm"
	}
}

// Pending describes one armed record.
type Pending struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Version uint64    `json:"version"`
	Firing  bool      `json:"firing"`
}

type Snapshot struct {
	Armed   []Pending `json:"armed"`
	Fired   uint64    `json:"fired"`
	Skipped uint64    `json:"skipped"`
	Stale   uint64    `json:"stale"`
}
