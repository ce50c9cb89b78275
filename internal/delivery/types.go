// Package delivery executes fire events: one local interrupt raise, or a
// remote call with bounded retries under a single idempotency key.
package delivery

import (
	"context"
	"time"

	"wakecall/internal/schedule"
)

// Presenter raises the on-device interrupt. A nil error means the wake
// resource was acquired and the surface launched.
type Presenter interface {
	Raise(ctx context.Context, f schedule.Fire) (session uint64, err error)
}

// Reporter is told about fire events that ended in PERMANENT_FAILURE,
// including remote calls whose retries were cut short by the fire deadline.
type Reporter interface {
	ReportFailure(ctx context.Context, rec schedule.Record, a schedule.Attempt)
}

type Config struct {
	// RetryDelays[n-1] is the wait before attempt n+1. The last entry repeats.
	RetryDelays []time.Duration
	// MaxAttempts bounds placements per fire event. Default 3.
	MaxAttempts int
	// CallTimeout bounds a single placement. Default 30s.
	CallTimeout time.Duration
	// CallbackURL is passed to the telephony collaborator.
	CallbackURL string
	HistorySize int
}

func (c Config) withDefaults() Config {
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Budget is the longest a REMOTE_CALL fire event can take when every
// attempt times out: MaxAttempts call timeouts plus the waits between them.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	total := time.Duration(c.MaxAttempts) * c.CallTimeout
	for n := 1; n < c.MaxAttempts; n++ {
		total += c.retryDelay(n)
	}
	return total
}

// retryDelay is the wait after failed attempt n (1-based).
func (c Config) retryDelay(n int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return 0
	}
	i := min(max(n-1, 0), len(c.RetryDelays)-1)
	return c.RetryDelays[i]
}

// HistoryItem is one finished attempt as kept in the ring.
type HistoryItem struct {
	ScheduleID string    `json:"schedule_id"`
	Mode       string    `json:"mode"`
	Number     int       `json:"number"`
	Final      bool      `json:"final"`
	Outcome    string    `json:"outcome"`
	Key        string    `json:"key"`
	Started    time.Time `json:"started"`
	Duration   string    `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

type Snapshot struct {
	InFlight  int           `json:"in_flight"`
	Delivered uint64        `json:"delivered"`
	Failed    uint64        `json:"failed"`
	History   []HistoryItem `json:"history"`
}

// AttemptEvent is published on eventbus.DeliveryAttempt and
// eventbus.DeliveryFinished.
type AttemptEvent struct {
	ScheduleID string
	UserID     string
	Mode       schedule.DeliveryMode
	Attempt    schedule.Attempt
	Final      bool
}
