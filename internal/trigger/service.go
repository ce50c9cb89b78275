package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wakecall/internal/eventbus"
	"wakecall/internal/runtime/supervisor"
	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

var ErrNotRunning = errors.New("trigger scheduler not running")

// entry is the per-record token. Lock order is entry.mu before Service.emu.
type entry struct {
	mu      sync.Mutex
	version uint64
	at      time.Time // zero when nothing is armed
	firing  bool
}

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   Store
	deliver Deliverer

	emu     sync.Mutex
	entries map[string]*entry
	armed   map[string]time.Time

	hmu  sync.Mutex
	heap itemHeap
	wake chan struct{}

	amu       sync.Mutex
	alarm     PlatformAlarm
	alarmAt   time.Time
	alarmSet  bool
	alarmWarn time.Time

	mu      sync.Mutex
	running bool
	sup     *supervisor.Supervisor
	parser  cron.Parser
	c       *cron.Cron
	jobs    []job

	fired   atomic.Uint64
	skipped atomic.Uint64
	stale   atomic.Uint64
}

func New(cfg Config, store Store, deliver Deliverer, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.Component("trigger"),
		bus:     bus,
		store:   store,
		deliver: deliver,
		entries: map[string]*entry{},
		armed:   map[string]time.Time{},
		wake:    make(chan struct{}, 1),
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetPlatformAlarm registers the host wake facility. Call before Start.
func (s *Service) SetPlatformAlarm(a PlatformAlarm) {
	s.amu.Lock()
	s.alarm = a
	s.amu.Unlock()
}

// Start runs the trigger loop, recovers PENDING records from the store and
// starts the maintenance cron.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loc, err := schedule.LoadLocation(s.cfg.Timezone, nil)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.Local
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.running = true
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("trigger.loop", s.run, supervisor.WithPublishFirstError(true))

	rep, err := s.Recover(sup.Context())
	if err != nil {
		_ = s.Stop(ctx)
		return err
	}
	s.log.Info("triggers recovered",
		logx.Int("armed", rep.Armed),
		logx.Int("missed_fired", rep.Fired),
		logx.Int("missed_skipped", rep.Skipped),
	)

	if s.cfg.Reconcile != "off" && !s.hasJob("trigger.reconcile") {
		if err := s.AddJob("trigger.reconcile", s.cfg.Reconcile, s.Reconcile); err != nil {
			_ = s.Stop(ctx)
			return err
		}
	}
	s.mu.Lock()
	if s.c != nil {
		for i := range s.jobs {
			s.scheduleJobLocked(&s.jobs[i])
		}
		s.c.Start()
	}
	s.mu.Unlock()
	return nil
}

// Stop halts the loop and the cron. Deliveries in flight get until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, sup := s.c, s.sup
	s.c = nil
	for i := range s.jobs {
		s.jobs[i].id = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	return sup.Stop(ctx)
}

func (s *Service) supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.sup
}

// ScheduleChanged re-derives the trigger of a record that was created,
// edited or un-cancelled.
func (s *Service) ScheduleChanged(id string) {
	sup := s.supervisor()
	if sup == nil {
		return
	}
	if _, err := s.Arm(sup.Context(), id); err != nil {
		s.log.Warn("arm failed", logx.String("id", id), logx.Err(err))
	}
}

// ScheduleCancelled abandons the pending trigger. A delivery already in
// flight completes but is not re-armed.
func (s *Service) ScheduleCancelled(id string) {
	e := s.entry(id)
	e.mu.Lock()
	s.abandonLocked(id, e, "cancelled")
	e.mu.Unlock()
}

// Arm computes and installs the next instant for id from the current time.
func (s *Service) Arm(ctx context.Context, id string) (time.Time, error) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			s.abandonLocked(id, e, "deleted")
		}
		return time.Time{}, err
	}
	if rec.Status != schedule.Pending {
		s.abandonLocked(id, e, rec.Status.String())
		return time.Time{}, nil
	}
	at := schedule.NextInstant(rec.WakeTime, s.store.Location(rec), s.cfg.Now())
	s.installLocked(ctx, id, e, at, false)
	return at, nil
}

func (s *Service) entry(id string) *entry {
	s.emu.Lock()
	defer s.emu.Unlock()
	e := s.entries[id]
	if e == nil {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// installLocked replaces the record's trigger. Caller holds e.mu.
func (s *Service) installLocked(ctx context.Context, id string, e *entry, at time.Time, recovered bool) {
	e.version++
	e.at = at
	if err := s.store.RecordArmed(ctx, id, at); err != nil {
		s.log.Warn("persist armed instant failed", logx.String("id", id), logx.Err(err))
	}
	s.setArmed(id, at)
	s.push(item{id: id, at: at, instant: at, version: e.version, recovered: recovered})

	s.log.Debug("trigger armed", logx.String("id", id), logx.Time("at", at), logx.Uint64("version", e.version))
	eventbus.Emit(s.bus, eventbus.ScheduleArmed, map[string]any{"id": id, "at": at})
	s.syncAlarm(false)
}

// abandonLocked drops the record's trigger. Caller holds e.mu.
func (s *Service) abandonLocked(id string, e *entry, reason string) {
	e.version++
	wasArmed := !e.at.IsZero()
	e.at = time.Time{}
	s.setArmed(id, time.Time{})
	if wasArmed {
		s.log.Info("trigger abandoned", logx.String("id", id), logx.String("reason", reason))
		eventbus.Emit(s.bus, eventbus.ScheduleAbandoned, map[string]any{"id": id, "reason": reason})
	}
	s.syncAlarm(false)
}

func (s *Service) setArmed(id string, at time.Time) {
	s.emu.Lock()
	if at.IsZero() {
		delete(s.armed, id)
	} else {
		s.armed[id] = at
	}
	s.emu.Unlock()
}

func (s *Service) push(it item) {
	s.hmu.Lock()
	heapPush(&s.heap, it)
	s.hmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the single loop that owns wake-ups.
func (s *Service) run(ctx context.Context) error {
	timer := time.NewTimer(s.nextSleep())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
		timer.Reset(s.nextSleep())
	}
}

func (s *Service) nextSleep() time.Duration {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.heap.Len() == 0 {
		return s.cfg.MaxSleep
	}
	d := s.heap[0].at.Sub(s.cfg.Now())
	return max(0, min(d, s.cfg.MaxSleep))
}

func (s *Service) fireDue() {
	s.hmu.Lock()
	due := popDue(&s.heap, s.cfg.Now())
	s.hmu.Unlock()

	sup := s.supervisor()
	if sup == nil {
		return
	}
	for _, it := range due {
		sup.Go0("trigger.fire."+it.id, func(ctx context.Context) { s.fire(ctx, it) })
	}
}

// fire delivers one heap item if it is still current.
func (s *Service) fire(ctx context.Context, it item) {
	e := s.entry(it.id)
	e.mu.Lock()
	if e.version != it.version {
		e.mu.Unlock()
		s.stale.Add(1)
		return
	}
	if e.firing {
		// A previous instant is still being delivered; retry shortly.
		e.mu.Unlock()
		it.at = s.cfg.Now().Add(time.Second)
		s.push(it)
		return
	}
	rec, err := s.store.Get(ctx, it.id)
	if err != nil || rec.Status != schedule.Pending {
		reason := "not pending"
		if err != nil {
			reason = err.Error()
		}
		s.abandonLocked(it.id, e, reason)
		e.mu.Unlock()
		return
	}
	e.firing = true
	ver := e.version
	e.mu.Unlock()

	now := s.cfg.Now()
	s.log.Info("trigger fired",
		logx.String("id", it.id),
		logx.String("user", rec.UserID),
		logx.String("mode", rec.Mode.String()),
		logx.Time("instant", it.instant),
		logx.Duration("late", now.Sub(it.instant)),
		logx.Bool("recovered", it.recovered),
	)
	eventbus.Emit(s.bus, eventbus.ScheduleFired, map[string]any{"id": it.id, "instant": it.instant, "recovered": it.recovered})

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FireTimeout)
	att := s.deliver.Deliver(fctx, schedule.Fire{Record: rec, Instant: it.instant, Recovered: it.recovered})
	cancel()
	s.fired.Add(1)

	// Bookkeeping must land even when shutdown cancelled ctx mid-delivery.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer bcancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.firing = false

	updated, err := s.store.RecordFired(bctx, it.id, it.instant, att.Outcome)
	if e.version != ver {
		// Cancelled or re-armed while delivering; the newer state owns the trigger.
		return
	}
	if err != nil {
		s.log.Error("record fire failed", logx.String("id", it.id), logx.Err(err))
		s.abandonLocked(it.id, e, "store error")
		return
	}
	if updated.Status != schedule.Pending || updated.Recurrence != schedule.Daily {
		e.at = time.Time{}
		s.setArmed(it.id, time.Time{})
		s.syncAlarm(false)
		return
	}

	loc := s.store.Location(updated)
	next := schedule.NextInstant(updated.WakeTime, loc, it.instant)
	if n := s.cfg.Now(); !next.After(n) {
		next = schedule.NextInstant(updated.WakeTime, loc, n)
	}
	s.installLocked(bctx, it.id, e, next, false)
}

// syncAlarm registers the earliest armed instant with the platform alarm.
// force re-registers even when unchanged.
func (s *Service) syncAlarm(force bool) {
	s.amu.Lock()
	defer s.amu.Unlock()
	if s.alarm == nil {
		return
	}

	var earliest time.Time
	s.emu.Lock()
	for _, at := range s.armed {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	s.emu.Unlock()

	if !force && s.alarmSet && s.alarmAt.Equal(earliest) {
		return
	}
	if err := s.alarm.Set(earliest); err != nil {
		s.alarmSet = false
		if time.Since(s.alarmWarn) > time.Hour {
			s.alarmWarn = time.Now()
			s.log.Warn("platform alarm registration failed", logx.Time("at", earliest), logx.Err(err))
		}
		return
	}
	s.alarmAt = earliest
	s.alarmSet = true
}

// Next returns the armed instant for id.
func (s *Service) Next(id string) (time.Time, bool) {
	s.emu.Lock()
	defer s.emu.Unlock()
	at, ok := s.armed[id]
	return at, ok
}

func (s *Service) Snapshot() Snapshot {
	s.emu.Lock()
	ids := make([]string, 0, len(s.armed))
	for id := range s.armed {
		ids = append(ids, id)
	}
	s.emu.Unlock()

	snap := Snapshot{
		Fired:   s.fired.Load(),
		Skipped: s.skipped.Load(),
		Stale:   s.stale.Load(),
	}
	for _, id := range ids {
		e := s.entry(id)
		e.mu.Lock()
		if !e.at.IsZero() {
			snap.Armed = append(snap.Armed, Pending{ID: id, At: e.at, Version: e.version, Firing: e.firing})
		}
		e.mu.Unlock()
	}
	sortPending(snap.Armed)
	return snap
}
