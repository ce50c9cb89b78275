package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"wakecall/internal/eventbus"
	"wakecall/internal/faults"
	"wakecall/internal/schedule"
	"wakecall/internal/telephony"
	logx "wakecall/pkg/logx"
)

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	log       logx.Logger
	bus       eventbus.Bus
	presenter Presenter
	caller    telephony.Caller
	reporter  Reporter
	audit     schedule.Auditor
	now       func() time.Time

	inflight  atomic.Int32
	delivered atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Dispatcher)

func WithPresenter(p Presenter) Option      { return func(d *Dispatcher) { d.presenter = p } }
func WithCaller(c telephony.Caller) Option  { return func(d *Dispatcher) { d.caller = c } }
func WithReporter(r Reporter) Option        { return func(d *Dispatcher) { d.reporter = r } }
func WithAuditor(a schedule.Auditor) Option { return func(d *Dispatcher) { d.audit = a } }
func WithBus(b eventbus.Bus) Option         { return func(d *Dispatcher) { d.bus = b } }

func New(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{cfg: cfg.withDefaults(), log: log.Component("delivery"), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps the retry policy for fire events that start afterwards.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Deliver runs the strategy for the record's delivery mode and returns the
// final attempt. It never panics and never returns without an outcome.
func (d *Dispatcher) Deliver(ctx context.Context, f schedule.Fire) (final schedule.Attempt) {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	cfg := d.config()
	key := f.IdempotencyKey()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("delivery panic", logx.String("id", f.Record.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			final = d.attempt(f, key, final.Number, d.now())
			final.Outcome = schedule.PermanentFailure
			final.Err = fmt.Errorf("panic: %v", r)
		}
		d.finish(ctx, f, final)
	}()

	switch f.Record.Mode {
	case schedule.LocalInterrupt:
		return d.deliverLocal(ctx, f, key)
	case schedule.RemoteCall:
		return d.deliverRemote(ctx, cfg, f, key)
	default:
		a := d.attempt(f, key, 1, d.now())
		a.Outcome = schedule.PermanentFailure
		a.Err = faults.Validationf("delivery_mode", "unsupported delivery mode %d", int(f.Record.Mode))
		a.Finished = d.now()
		d.record(f, a, true)
		return a
	}
}

func (d *Dispatcher) attempt(f schedule.Fire, key string, n int, started time.Time) schedule.Attempt {
	return schedule.Attempt{
		ScheduleID: f.Record.ID,
		Number:     max(n, 1),
		Instant:    f.Instant,
		Key:        key,
		Started:    started,
	}
}

// deliverLocal makes exactly one raise. The instant has passed, so a
// failed presentation has nothing to retry against.
func (d *Dispatcher) deliverLocal(ctx context.Context, f schedule.Fire, key string) schedule.Attempt {
	a := d.attempt(f, key, 1, d.now())
	if d.presenter == nil {
		a.Outcome = schedule.PermanentFailure
		a.Err = faults.Permanent(errors.New("no interrupt presenter on this host"))
		a.Finished = d.now()
		d.record(f, a, true)
		return a
	}
	session, err := d.presenter.Raise(ctx, f)
	a.Finished = d.now()
	if err != nil {
		a.Outcome = schedule.PermanentFailure
		a.Err = err
		d.log.Warn("interrupt raise failed", logx.String("id", f.Record.ID), logx.Uint64("session", session), logx.Err(err))
	} else {
		a.Outcome = schedule.Success
		d.log.Info("interrupt raised", logx.String("id", f.Record.ID), logx.Uint64("session", session))
	}
	d.record(f, a, true)
	return a
}

// deliverRemote places the call, retrying transient failures serially with
// the same idempotency key. Exhausted retries become PERMANENT_FAILURE, and so
// does a retry sequence cut short by ctx: the instant has passed and nobody
// will be called.
func (d *Dispatcher) deliverRemote(ctx context.Context, cfg Config, f schedule.Fire, key string) schedule.Attempt {
	var a schedule.Attempt
	if d.caller == nil {
		a = d.attempt(f, key, 1, d.now())
		a.Outcome = schedule.PermanentFailure
		a.Err = faults.Permanent(telephony.ErrDisabled)
		a.Finished = d.now()
		d.record(f, a, true)
		return a
	}

	call := telephony.Call{To: f.Record.Destination, CallbackURL: cfg.CallbackURL, IdempotencyKey: key}
	for n := 1; n <= cfg.MaxAttempts; n++ {
		a = d.attempt(f, key, n, d.now())
		cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		acc, err := d.caller.PlaceCall(cctx, call)
		cancel()
		a.Finished = d.now()

		if err == nil {
			a.Outcome = schedule.Success
			d.log.Info("call accepted",
				logx.String("id", f.Record.ID),
				logx.Int("attempt", n),
				logx.String("sid", acc.SID),
				logx.Bool("duplicate", acc.Duplicate),
			)
			d.record(f, a, true)
			return a
		}

		a.Err = err
		switch faults.KindOf(err) {
		case faults.KindValidation, faults.KindPermanent:
			a.Outcome = schedule.PermanentFailure
			d.log.Warn("call rejected", logx.String("id", f.Record.ID), logx.Int("attempt", n), logx.Err(err))
			d.record(f, a, true)
			return a
		}

		a.Outcome = schedule.TransientFailure
		if n == cfg.MaxAttempts {
			break
		}
		d.record(f, a, false)

		delay := cfg.retryDelay(n)
		if hint, ok := faults.RetryAfter(err); ok && hint > delay {
			delay = hint
		}
		d.log.Debug("call retry scheduled", logx.String("id", f.Record.ID), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			a.Outcome = schedule.PermanentFailure
			a.Err = faults.Permanent(fmt.Errorf("retries cut short after %d attempts: %w", a.Number, errors.Join(err, ctx.Err())))
			d.record(f, a, true)
			return a
		case <-tmr.C:
		}
	}

	a.Outcome = schedule.PermanentFailure
	a.Err = faults.Permanent(fmt.Errorf("gave up after %d attempts: %w", a.Number, a.Err))
	d.record(f, a, true)
	return a
}

func (d *Dispatcher) record(f schedule.Fire, a schedule.Attempt, final bool) {
	item := HistoryItem{
		ScheduleID: a.ScheduleID,
		Mode:       f.Record.Mode.String(),
		Number:     a.Number,
		Final:      final,
		Outcome:    a.Outcome.String(),
		Key:        a.Key,
		Started:    a.Started,
		Duration:   a.Finished.Sub(a.Started).String(),
	}
	if a.Err != nil {
		item.Error = a.Err.Error()
	}
	d.hmu.Lock()
	d.history = append(d.history, item)
	if size := d.config().HistorySize; len(d.history) > size {
		d.history = d.history[len(d.history)-size:]
	}
	d.hmu.Unlock()

	eventbus.Emit(d.bus, eventbus.DeliveryAttempt, AttemptEvent{
		ScheduleID: f.Record.ID, UserID: f.Record.UserID, Mode: f.Record.Mode, Attempt: a, Final: final,
	})
}

func (d *Dispatcher) finish(ctx context.Context, f schedule.Fire, a schedule.Attempt) {
	if a.Outcome == schedule.Success {
		d.delivered.Add(1)
	} else {
		d.failed.Add(1)
	}
	eventbus.Emit(d.bus, eventbus.DeliveryFinished, AttemptEvent{
		ScheduleID: f.Record.ID, UserID: f.Record.UserID, Mode: f.Record.Mode, Attempt: a, Final: true,
	})

	// Delivery may have consumed ctx; the bookkeeping still has to land.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if d.audit != nil {
		detail := fmt.Sprintf("%s attempt=%d key=%s", a.Outcome, a.Number, a.Key)
		if a.Err != nil {
			detail += " err=" + a.Err.Error()
		}
		e := schedule.AuditEntry{Time: d.now(), ScheduleID: f.Record.ID, UserID: f.Record.UserID, Action: "deliver", Detail: detail}
		if err := d.audit.AppendAudit(bctx, e); err != nil {
			d.log.Warn("audit append failed", logx.String("id", f.Record.ID), logx.Err(err))
		}
	}
	if a.Outcome == schedule.PermanentFailure {
		d.log.Warn("delivery failed",
			logx.String("id", f.Record.ID),
			logx.String("user", f.Record.UserID),
			logx.String("mode", f.Record.Mode.String()),
			logx.Int("attempts", a.Number),
			logx.Err(a.Err),
		)
		if d.reporter != nil {
			d.reporter.ReportFailure(bctx, f.Record, a)
		}
	}
}

// Snapshot returns counters and the newest history first.
func (d *Dispatcher) Snapshot(limit int) Snapshot {
	d.hmu.Lock()
	h := make([]HistoryItem, 0, len(d.history))
	for i := len(d.history) - 1; i >= 0; i-- {
		h = append(h, d.history[i])
		if limit > 0 && len(h) >= limit {
			break
		}
	}
	d.hmu.Unlock()
	return Snapshot{
		InFlight:  int(d.inflight.Load()),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		History:   h,
	}
}
