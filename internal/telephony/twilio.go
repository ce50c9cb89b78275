package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"wakecall/internal/faults"
)

type twilioDriver struct {
	create         func(*api.CreateCallParams) (*api.ApiV2010Call, error)
	from           string
	statusCallback string
	late           func(Call, Acceptance)
}

func newTwilio(cfg Config) (*twilioDriver, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token required")
	}
	if err := ValidateNumber(cfg.From); err != nil {
		return nil, fmt.Errorf("twilio: from: %w", err)
	}
	if cfg.URL == "" {
		return nil, errors.New("twilio: url (TwiML) required")
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &twilioDriver{create: c.Api.CreateCall, from: cfg.From, statusCallback: cfg.StatusCallback}, nil
}

func (*twilioDriver) Name() string { return "twilio" }

func (d *twilioDriver) onLateAccept(fn func(Call, Acceptance)) { d.late = fn }

func (d *twilioDriver) Create(ctx context.Context, c Call) (Acceptance, error) {
	params := &api.CreateCallParams{}
	params.SetTo(c.To)
	params.SetFrom(d.from)
	params.SetUrl(c.CallbackURL)
	if d.statusCallback != "" {
		params.SetStatusCallback(d.statusCallback)
	}

	// The SDK call takes no context; stop waiting when ctx ends but keep
	// the request's outcome, since the provider may still accept it.
	done := make(chan twilioResult, 1)
	go func() {
		call, err := d.create(params)
		done <- twilioResult{call, err}
	}()

	select {
	case <-ctx.Done():
		go d.settle(c, done)
		return Acceptance{}, faults.Transient(ctx.Err())
	case r := <-done:
		if r.err != nil {
			return Acceptance{}, classifyTwilio(r.err)
		}
		return r.acceptance(), nil
	}
}

type twilioResult struct {
	call *api.ApiV2010Call
	err  error
}

func (r twilioResult) acceptance() Acceptance {
	var acc Acceptance
	if r.call != nil {
		if r.call.Sid != nil {
			acc.SID = *r.call.Sid
		}
		if r.call.Status != nil {
			acc.Status = *r.call.Status
		}
	}
	return acc
}

// settle waits out an abandoned request and reports it if the provider
// accepted the call after all.
func (d *twilioDriver) settle(c Call, done <-chan twilioResult) {
	r := <-done
	if r.err != nil || d.late == nil {
		return
	}
	d.late(c, r.acceptance())
}

// classifyTwilio maps REST errors onto delivery fault kinds.
func classifyTwilio(err error) error {
	var re *client.TwilioRestError
	if !errors.As(err, &re) {
		return faults.Transient(err)
	}
	e := fmt.Errorf("twilio %d (code %d): %s", re.Status, re.Code, re.Message)
	return classifyStatus(re.Status, e)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return faults.Transient(err)
	case status >= 400 && status < 500:
		return faults.Permanent(err)
	default:
		return faults.Transient(err)
	}
}
