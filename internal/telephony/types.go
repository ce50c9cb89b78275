// Package telephony places outbound wake-up calls.
//
// Service wraps a provider driver with number validation, a call rate limit
// and deduplication by idempotency key, so a retried fire event never rings
// the user twice once a placement was acknowledged.
package telephony

import (
	"context"
	"errors"
	"regexp"
	"time"

	"wakecall/internal/faults"
)

var ErrDisabled = errors.New("telephony disabled")

// Call is one placement request.
type Call struct {
	To             string
	CallbackURL    string
	IdempotencyKey string
}

// Acceptance is the provider's acknowledgment of a placement.
type Acceptance struct {
	SID       string
	Status    string
	Duplicate bool // an earlier attempt with the same key was already accepted
}

// Caller is the telephony collaborator used by delivery.
type Caller interface {
	PlaceCall(ctx context.Context, c Call) (Acceptance, error)
}

// Driver talks to one provider. Errors should be classified with faults.
type Driver interface {
	Name() string
	Create(ctx context.Context, c Call) (Acceptance, error)
}

// lateAcceptor is implemented by drivers whose provider request can outlive
// Create. The callback runs when such a request is accepted after Create
// already returned an error.
type lateAcceptor interface {
	onLateAccept(func(Call, Acceptance))
}

// Dedup persists accepted idempotency keys.
type Dedup interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Config struct {
	// Driver is "twilio", "log" or "none". Empty means none.
	Driver     string
	AccountSID string
	AuthToken  string
	From       string
	// URL is the TwiML document the provider fetches when the call connects.
	URL            string
	StatusCallback string
	// RatePerSec limits placements across all users. Default 1.
	RatePerSec float64
	Burst      int
	// DedupTTL is how long an accepted key suppresses repeats. Default 24h.
	DedupTTL time.Duration
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// ValidateNumber reports whether s is an E.164 number.
func ValidateNumber(s string) error {
	if !e164.MatchString(s) {
		return faults.Validationf("destination", "malformed number %q: want E.164 like +15551234567", s)
	}
	return nil
}
