package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Recurrence int

const (
	OneShot Recurrence = iota + 1
	Daily
)

func (r Recurrence) String() string {
	switch r {
	case OneShot:
		return "ONE_SHOT"
	case Daily:
		return "DAILY"
	default:
		return "UNKNOWN"
	}
}

// ParseRecurrence accepts the canonical names and the short CLI forms.
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONE_SHOT", "ONESHOT", "ONCE":
		return OneShot, nil
	case "DAILY":
		return Daily, nil
	}
	return 0, fmt.Errorf("unknown recurrence %q", s)
}

func (r Recurrence) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Recurrence) UnmarshalText(b []byte) error {
	v, err := ParseRecurrence(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

type DeliveryMode int

const (
	LocalInterrupt DeliveryMode = iota + 1
	RemoteCall
)

func (m DeliveryMode) String() string {
	switch m {
	case LocalInterrupt:
		return "LOCAL_INTERRUPT"
	case RemoteCall:
		return "REMOTE_CALL"
	default:
		return "UNKNOWN"
	}
}

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOCAL_INTERRUPT", "LOCAL":
		return LocalInterrupt, nil
	case "REMOTE_CALL", "REMOTE", "CALL":
		return RemoteCall, nil
	}
	return 0, fmt.Errorf("unknown delivery mode %q", s)
}

func (m DeliveryMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *DeliveryMode) UnmarshalText(b []byte) error {
	v, err := ParseDeliveryMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type Status int

const (
	Pending Status = iota + 1
	Fired
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Fired:
		return "FIRED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return Pending, nil
	case "FIRED":
		return Fired, nil
	case "CANCELLED", "CANCELED":
		return Cancelled, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// WakeTime is a wall-clock time of day.
type WakeTime struct {
	Hour   int
	Minute int
}

// ParseWakeTime parses "HH:MM" (24h).
func ParseWakeTime(s string) (WakeTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 2 {
		return WakeTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return WakeTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return WakeTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return WakeTime{Hour: h, Minute: m}, nil
}

func (w WakeTime) String() string { return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute) }

func (w WakeTime) Valid() bool {
	return w.Hour >= 0 && w.Hour <= 23 && w.Minute >= 0 && w.Minute <= 59
}

func (w WakeTime) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WakeTime) UnmarshalText(b []byte) error {
	v, err := ParseWakeTime(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// Record is the canonical schedule entry.
//
// ArmedAt is the pending trigger instant last installed by the scheduler. It
// is persisted only so that a restart can tell a missed trigger from a future
// one; it is never handed out as a live timer.
type Record struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	WakeTime    WakeTime     `json:"wake_time"`
	Timezone    string       `json:"timezone,omitempty"`
	Recurrence  Recurrence   `json:"recurrence"`
	Mode        DeliveryMode `json:"delivery_mode"`
	Destination string       `json:"destination,omitempty"`
	Label       string       `json:"label,omitempty"`
	Status      Status       `json:"status"`

	ArmedAt     time.Time `json:"armed_at,omitzero"`
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`
	LastOutcome Outcome   `json:"last_outcome,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// triggerChanged reports whether b needs a new trigger instant compared to a.
func triggerChanged(a, b Record) bool {
	return a.WakeTime != b.WakeTime ||
		a.Timezone != b.Timezone ||
		a.Recurrence != b.Recurrence
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	Success
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case PermanentFailure:
		return "PERMANENT_FAILURE"
	default:
		return ""
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "":
		*o = OutcomeNone
	case "SUCCESS":
		*o = Success
	case "TRANSIENT_FAILURE":
		*o = TransientFailure
	case "PERMANENT_FAILURE":
		*o = PermanentFailure
	default:
		return fmt.Errorf("unknown outcome %q", string(b))
	}
	return nil
}

// Fire is one trigger instant handed to delivery.
type Fire struct {
	Record    Record
	Instant   time.Time
	Recovered bool // fired during startup recovery, after the instant passed
}

// IdempotencyKey identifies the fire event across every delivery attempt.
func (f Fire) IdempotencyKey() string {
	return f.Record.ID + "@" + f.Instant.UTC().Format(time.RFC3339)
}

// Attempt is the result of one delivery attempt for a fire event.
type Attempt struct {
	ScheduleID string
	Number     int
	Outcome    Outcome
	Instant    time.Time
	Key        string
	Started    time.Time
	Finished   time.Time
	Err        error
}

// AuditEntry is one line of the schedule audit trail.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	ScheduleID string    `json:"schedule_id"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
}
