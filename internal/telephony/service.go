package telephony

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"wakecall/internal/faults"
	logx "wakecall/pkg/logx"
)

type Service struct {
	cfg     Config
	driver  Driver
	limiter *rate.Limiter
	dedup   Dedup
	log     logx.Logger
	now     func() time.Time

	inflight singleflight.Group
}

// New builds the configured driver. dedup may be nil.
func New(cfg Config, dedup Dedup, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	var d Driver
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, ErrDisabled
	case "log":
		d = logDriver{log: log.Component("telephony")}
	case "twilio":
		td, err := newTwilio(cfg)
		if err != nil {
			return nil, err
		}
		d = td
	default:
		return nil, fmt.Errorf("unknown telephony driver: %s", cfg.Driver)
	}
	return NewWithDriver(cfg, d, dedup, log), nil
}

// NewWithDriver wraps an explicit driver.
func NewWithDriver(cfg Config, d Driver, dedup Dedup, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		driver:  d,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		dedup:   dedup,
		log:     log.Component("telephony"),
		now:     time.Now,
	}
	if la, ok := d.(lateAcceptor); ok {
		la.onLateAccept(s.acceptedLate)
	}
	return s
}

func (c Config) withDefaults() Config {
	if c.AccountSID == "" {
		c.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if c.AuthToken == "" {
		c.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	return c
}

// PlaceCall validates, deduplicates and places one call.
//
// Concurrent placements with the same key share one provider request.
func (s *Service) PlaceCall(ctx context.Context, c Call) (Acceptance, error) {
	c.To = strings.TrimSpace(c.To)
	if err := ValidateNumber(c.To); err != nil {
		return Acceptance{}, err
	}
	if c.CallbackURL == "" {
		c.CallbackURL = s.cfg.URL
	}
	if c.IdempotencyKey == "" {
		return s.place(ctx, c)
	}

	ch := s.inflight.DoChan(c.IdempotencyKey, func() (any, error) {
		if acc, ok := s.seen(ctx, c.IdempotencyKey); ok {
			return acc, nil
		}
		return s.place(ctx, c)
	})
	select {
	case <-ctx.Done():
		return Acceptance{}, faults.Transient(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Acceptance{}, r.Err
		}
		return r.Val.(Acceptance), nil
	}
}

func (s *Service) seen(ctx context.Context, key string) (Acceptance, bool) {
	if s.dedup == nil {
		return Acceptance{}, false
	}
	until, ok, err := s.dedup.GetDedup(ctx, key)
	if err != nil {
		s.log.Warn("dedup lookup failed", logx.String("key", key), logx.Err(err))
		return Acceptance{}, false
	}
	if !ok || !until.After(s.now()) {
		return Acceptance{}, false
	}
	s.log.Info("call already accepted; skipping", logx.String("key", key))
	return Acceptance{Duplicate: true, Status: "duplicate"}, true
}

func (s *Service) place(ctx context.Context, c Call) (Acceptance, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Acceptance{}, faults.Transient(fmt.Errorf("rate limit: %w", err))
	}
	start := s.now()
	acc, err := s.driver.Create(ctx, c)
	if err != nil {
		if faults.KindOf(err) == faults.KindUnknown {
			// Unclassified driver errors are treated as provider hiccups.
			err = faults.Transient(err)
		}
		s.log.Warn("call placement failed",
			logx.String("driver", s.driver.Name()),
			logx.String("key", c.IdempotencyKey),
			logx.String("kind", faults.KindOf(err).String()),
			logx.Err(err),
		)
		return Acceptance{}, err
	}
	s.log.Info("call accepted",
		logx.String("driver", s.driver.Name()),
		logx.String("sid", acc.SID),
		logx.String("status", acc.Status),
		logx.String("key", c.IdempotencyKey),
		logx.Duration("took", s.now().Sub(start)),
	)
	s.remember(ctx, c.IdempotencyKey)
	return acc, nil
}

// acceptedLate records a call the provider accepted after the placement
// attempt had already timed out, so a retry of the same key is a duplicate.
func (s *Service) acceptedLate(c Call, acc Acceptance) {
	s.log.Warn("call accepted after placement gave up",
		logx.String("driver", s.driver.Name()),
		logx.String("sid", acc.SID),
		logx.String("key", c.IdempotencyKey),
	)
	s.remember(context.Background(), c.IdempotencyKey)
}

func (s *Service) remember(ctx context.Context, key string) {
	if s.dedup == nil || key == "" {
		return
	}
	// The call is placed; a failed write only weakens dedup.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.dedup.PutDedup(wctx, key, s.now().Add(s.cfg.DedupTTL)); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("dedup write failed", logx.String("key", key), logx.Err(err))
	}
}

type logDriver struct {
	log logx.Logger
}

func (logDriver) Name() string { return "log" }

func (d logDriver) Create(_ context.Context, c Call) (Acceptance, error) {
	d.log.Info("dry-run call", logx.String("to", c.To), logx.String("url", c.CallbackURL), logx.String("key", c.IdempotencyKey))
	return Acceptance{SID: "dry-" + c.IdempotencyKey, Status: "queued"}, nil
}
