package interrupt

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"wakecall/internal/eventbus"
	"wakecall/internal/faults"
	"wakecall/internal/runtime/supervisor"
	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

type session struct {
	id       uint64
	fire     schedule.Fire
	raised   time.Time
	degraded []string

	wake    Releaser
	audio   Releaser
	vibrate Releaser
	surface SurfaceHandle

	timer *time.Timer
	stop  chan struct{} // closed on teardown; ends the surface watcher
}

type raiseMsg struct {
	ctx   context.Context
	fire  schedule.Fire
	reply chan raiseReply
}

type raiseReply struct {
	id  uint64
	err error
}

type resolveMsg struct {
	id    uint64 // 0 means the current session
	res   Resolution
	reply chan error // nil for internal messages
}

type Presenter struct {
	cfg Config
	res Resources
	log logx.Logger
	bus eventbus.Bus

	onResolve func(Result)

	inbox chan any
	sup   *supervisor.Supervisor
	done  chan struct{}

	// Owned by the actor goroutine.
	cur    *session
	nextID uint64

	// Mirror for Snapshot.
	mu       sync.Mutex
	state    State
	view     Snapshot
	raised   atomic.Uint64
	resolved atomic.Uint64
}

// New returns a stopped presenter. onResolve, if set, runs on the actor
// goroutine after every teardown and must not call back into Presenter.
func New(cfg Config, res Resources, log logx.Logger, bus eventbus.Bus, onResolve func(Result)) *Presenter {
	return &Presenter{
		cfg:       cfg.withDefaults(),
		res:       res,
		log:       log.Component("interrupt"),
		bus:       bus,
		onResolve: onResolve,
		inbox:     make(chan any),
	}
}

func (p *Presenter) Start(ctx context.Context) {
	if p.sup != nil {
		return
	}
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.done = make(chan struct{})
	p.sup.Go0("interrupt.actor", p.run)
}

// Stop tears down any active session and ends the actor.
func (p *Presenter) Stop(ctx context.Context) error {
	if p.sup == nil {
		return nil
	}
	p.sup.Cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.sup.Stop(ctx)
}

// Raise starts a session for f, superseding any active one. It returns once
// the session is ACTIVE (or has failed to start).
//
// The error is non-nil when the wake lock or the surface could not be
// acquired. The session still runs with whatever was acquired.
func (p *Presenter) Raise(ctx context.Context, f schedule.Fire) (uint64, error) {
	reply := make(chan raiseReply, 1)
	if err := p.send(ctx, raiseMsg{ctx: ctx, fire: f, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-p.done:
		return 0, ErrStopped
	}
}

// Accept resolves session id (0 for whichever is active) as ACCEPTED.
func (p *Presenter) Accept(ctx context.Context, id uint64) error {
	return p.resolve(ctx, id, Accepted)
}

// Decline resolves session id (0 for whichever is active) as DECLINED.
func (p *Presenter) Decline(ctx context.Context, id uint64) error {
	return p.resolve(ctx, id, Declined)
}

func (p *Presenter) resolve(ctx context.Context, id uint64, r Resolution) error {
	reply := make(chan error, 1)
	if err := p.send(ctx, resolveMsg{id: id, res: r, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrStopped
	}
}

func (p *Presenter) send(ctx context.Context, msg any) error {
	if p.done == nil {
		return ErrStopped
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal message from timers and watchers.
func (p *Presenter) post(msg any) {
	select {
	case p.inbox <- msg:
	case <-p.done:
	}
}

func (p *Presenter) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if p.cur != nil {
			p.teardown(Aborted)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.inbox:
			p.handle(m)
		}
	}
}

// handle processes one message. A panic aborts the session it hit and is
// answered as an error; the actor keeps serving later wake-ups.
func (p *Presenter) handle(m any) {
	var id uint64
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		err := fmt.Errorf("interrupt: panic: %v", v)
		p.log.Error("interrupt actor recovered", logx.Any("panic", v), logx.String("stack", string(debug.Stack())))
		if p.cur != nil {
			p.safeTeardown(Aborted)
		}
		switch msg := m.(type) {
		case raiseMsg:
			msg.reply <- raiseReply{id: id, err: err}
		case resolveMsg:
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}()
	switch msg := m.(type) {
	case raiseMsg:
		var err error
		id, err = p.raise(msg.ctx, msg.fire)
		msg.reply <- raiseReply{id: id, err: err}
	case resolveMsg:
		err := ErrNoSession
		if p.cur != nil && (msg.id == 0 || msg.id == p.cur.id) {
			p.teardown(msg.res)
			err = nil
		}
		if msg.reply != nil {
			msg.reply <- err
		}
	}
}

// safeTeardown is teardown for the recovery path, where a second panic must
// not escape. The session is dropped either way.
func (p *Presenter) safeTeardown(r Resolution) {
	defer func() {
		if v := recover(); v != nil {
			p.log.Error("interrupt teardown panic", logx.Any("panic", v))
			p.cur = nil
			p.setState(Idle)
		}
	}()
	p.teardown(r)
}

// acquire runs one driver call, turning a panic into an error so a broken
// driver degrades the session like a failing one.
func acquire[T any](name string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: acquire panic: %v", name, r)
		}
	}()
	return fn()
}

func (p *Presenter) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.view.State = s.String()
	if p.cur != nil && s != Idle {
		p.view.Session = p.cur.id
		p.view.ScheduleID = p.cur.fire.Record.ID
		p.view.Since = p.cur.raised
		p.view.Degraded = slices.Clone(p.cur.degraded)
	} else {
		p.view.Session, p.view.ScheduleID, p.view.Since, p.view.Degraded = 0, "", time.Time{}, nil
	}
	p.mu.Unlock()

	data := map[string]any{"state": s.String()}
	if p.cur != nil {
		data["session"] = p.cur.id
	}
	eventbus.Emit(p.bus, eventbus.InterruptState, data)
}

func (p *Presenter) raise(ctx context.Context, f schedule.Fire) (uint64, error) {
	if p.cur != nil {
		p.log.Info("superseding active session", logx.Uint64("session", p.cur.id), logx.String("by", f.Record.ID))
		p.teardown(Superseded)
	}

	p.nextID++
	s := &session{id: p.nextID, fire: f, raised: time.Now(), stop: make(chan struct{})}
	p.cur = s
	p.raised.Add(1)
	p.setState(Raising)

	var raiseErr error

	// Wake lock first: the rest assumes the host stays awake.
	if p.res.WakeLock != nil {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		r, err := acquire("wake_lock", func() (Releaser, error) { return p.res.WakeLock.Acquire(actx, p.cfg.WakeCeiling) })
		cancel()
		if err != nil {
			raiseErr = errors.Join(raiseErr, faults.Contention("wake_lock", err))
			p.degrade(s, "wake_lock", err)
		} else {
			s.wake = r
		}
	} else {
		p.degrade(s, "wake_lock", errors.New("no driver"))
	}

	prompt := Prompt{
		Session:    s.id,
		ScheduleID: f.Record.ID,
		UserID:     f.Record.UserID,
		Label:      f.Record.Label,
		Instant:    f.Instant,
		Recovered:  f.Recovered,
	}
	if p.res.Surface != nil {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		h, err := acquire("surface", func() (SurfaceHandle, error) { return p.res.Surface.Launch(actx, prompt) })
		cancel()
		if err != nil {
			raiseErr = errors.Join(raiseErr, faults.Contention("surface", err))
			p.degrade(s, "surface", err)
		} else {
			s.surface = h
		}
	} else {
		raiseErr = errors.Join(raiseErr, faults.Contention("surface", errors.New("no driver")))
		p.degrade(s, "surface", errors.New("no driver"))
	}

	if p.res.Audio != nil {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		r, err := acquire("audio", func() (Releaser, error) { return p.res.Audio.Start(actx) })
		cancel()
		if err != nil {
			p.degrade(s, "audio", faults.Contention("audio", err))
		} else {
			s.audio = r
		}
	}
	if p.res.Vibrator != nil {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		r, err := acquire("vibration", func() (Releaser, error) { return p.res.Vibrator.Start(actx, p.cfg.Vibration) })
		cancel()
		if err != nil {
			p.degrade(s, "vibration", faults.Contention("vibration", err))
		} else {
			s.vibrate = r
		}
	}

	if s.wake == nil && s.surface == nil && s.audio == nil && s.vibrate == nil {
		p.log.Error("interrupt could not acquire any resource", logx.String("id", f.Record.ID), logx.Err(raiseErr))
		p.teardown(Aborted)
		return s.id, raiseErr
	}

	id := s.id
	s.timer = time.AfterFunc(p.cfg.Timeout, func() { p.post(resolveMsg{id: id, res: Expired}) })
	if s.surface != nil {
		go p.watchSurface(s)
	}
	p.setState(Active)
	p.log.Info("interrupt active",
		logx.Uint64("session", s.id),
		logx.String("id", f.Record.ID),
		logx.String("label", f.Record.Label),
		logx.Strings("degraded", s.degraded),
	)
	return s.id, raiseErr
}

func (p *Presenter) watchSurface(s *session) {
	select {
	case <-s.surface.Done():
		p.post(resolveMsg{id: s.id, res: Aborted})
	case <-s.stop:
	}
}

func (p *Presenter) degrade(s *session, resource string, err error) {
	s.degraded = append(s.degraded, resource)
	p.log.Warn("interrupt degraded", logx.Uint64("session", s.id), logx.String("resource", resource), logx.Err(err))
	eventbus.Emit(p.bus, eventbus.InterruptDegraded, map[string]any{"session": s.id, "resource": resource, "error": err.Error()})
}

// teardown releases every resource of the current session, whatever fails.
func (p *Presenter) teardown(r Resolution) {
	s := p.cur
	if s == nil {
		return
	}
	p.setState(Resolving)
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stop)

	var errs []error
	release := func(name string, rel Releaser) {
		if rel == nil {
			return
		}
		defer func() {
			if v := recover(); v != nil {
				errs = append(errs, fmt.Errorf("%s: release panic: %v", name, v))
			}
		}()
		if err := rel.Release(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	release("audio", s.audio)
	release("vibration", s.vibrate)
	release("surface", s.surface)
	release("wake_lock", s.wake)

	res := Result{
		Session:     s.id,
		ScheduleID:  s.fire.Record.ID,
		UserID:      s.fire.Record.UserID,
		Resolution:  r,
		Raised:      s.raised,
		Resolved:    time.Now(),
		Degraded:    s.degraded,
		TeardownErr: errors.Join(errs...),
	}
	p.cur = nil
	p.resolved.Add(1)
	p.setState(Idle)

	if res.TeardownErr != nil {
		p.log.Warn("interrupt teardown errors", logx.Uint64("session", s.id), logx.Err(res.TeardownErr))
	}
	p.log.Info("interrupt resolved",
		logx.Uint64("session", s.id),
		logx.String("id", res.ScheduleID),
		logx.String("resolution", r.String()),
		logx.Duration("active", res.Resolved.Sub(res.Raised)),
	)
	eventbus.Emit(p.bus, eventbus.InterruptResolved, res)
	if p.onResolve != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					p.log.Error("onResolve panic", logx.Uint64("session", s.id), logx.Any("panic", v))
				}
			}()
			p.onResolve(res)
		}()
	}
}

func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Presenter) Snapshot() Snapshot {
	p.mu.Lock()
	v := p.view
	if v.State == "" {
		v.State = Idle.String()
	}
	p.mu.Unlock()
	v.Raised = p.raised.Load()
	v.Resolved = p.resolved.Load()
	return v
}
