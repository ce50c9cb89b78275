package interrupt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wakecall/internal/faults"
	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

// ledger counts acquisitions and releases per resource.
type ledger struct {
	mu       sync.Mutex
	acquired map[string]int
	released map[string]int
}

func newLedger() *ledger {
	return &ledger{acquired: map[string]int{}, released: map[string]int{}}
}

func (l *ledger) acquire(name string) Releaser {
	l.mu.Lock()
	l.acquired[name]++
	l.mu.Unlock()
	var once sync.Once
	return releaseFunc(func() error {
		once.Do(func() {
			l.mu.Lock()
			l.released[name]++
			l.mu.Unlock()
		})
		return nil
	})
}

func (l *ledger) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, v := range l.acquired {
		n += v - l.released[k]
	}
	return n
}

func (l *ledger) count(name string) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired[name], l.released[name]
}

type releaseFunc func() error

func (f releaseFunc) Release() error { return f() }

type fakeWake struct {
	l   *ledger
	err error
}

func (w fakeWake) Acquire(ctx context.Context, ceiling time.Duration) (Releaser, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.l.acquire("wake"), nil
}

type fakeAudio struct {
	l   *ledger
	err error
}

func (a fakeAudio) Start(ctx context.Context) (Releaser, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.l.acquire("audio"), nil
}

type fakeVibrator struct {
	l   *ledger
	got chan Pattern
}

func (v fakeVibrator) Start(ctx context.Context, p Pattern) (Releaser, error) {
	if v.got != nil {
		v.got <- p
	}
	return v.l.acquire("vibration"), nil
}

type fakeHandle struct {
	Releaser
	done chan struct{}
}

func (h fakeHandle) Done() <-chan struct{} { return h.done }

type fakeSurface struct {
	l       *ledger
	mu      sync.Mutex
	handles []fakeHandle
}

func (s *fakeSurface) Launch(ctx context.Context, p Prompt) (SurfaceHandle, error) {
	h := fakeHandle{Releaser: s.l.acquire("surface"), done: make(chan struct{})}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

func (s *fakeSurface) last() fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

type results struct {
	ch chan Result
}

func (r results) on(res Result) { r.ch <- res }

func newPresenter(t *testing.T, cfg Config, res Resources) (*Presenter, results) {
	t.Helper()
	rs := results{ch: make(chan Result, 8)}
	p := New(cfg, res, logx.Nop(), nil, rs.on)
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p, rs
}

func fullResources(l *ledger) (Resources, *fakeSurface) {
	surf := &fakeSurface{l: l}
	return Resources{
		WakeLock: fakeWake{l: l},
		Audio:    fakeAudio{l: l},
		Vibrator: fakeVibrator{l: l},
		Surface:  surf,
	}, surf
}

func fire(id string) schedule.Fire {
	return schedule.Fire{
		Record:  schedule.Record{ID: id, UserID: "u1", Mode: schedule.LocalInterrupt},
		Instant: time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC),
	}
}

func waitResult(t *testing.T, rs results) Result {
	t.Helper()
	select {
	case r := <-rs.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no resolution")
		return Result{}
	}
}

func TestRaiseAcquiresAllAndAcceptReleasesAll(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	p, rs := newPresenter(t, Config{}, res)

	id, err := p.Raise(context.Background(), fire("s1"))
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if p.State() != Active {
		t.Fatalf("state: got %s want ACTIVE", p.State())
	}
	if got := l.held(); got != 4 {
		t.Fatalf("held: got %d want 4", got)
	}

	if err := p.Accept(context.Background(), id); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	r := waitResult(t, rs)
	if r.Resolution != Accepted || r.ScheduleID != "s1" {
		t.Fatalf("result: %+v", r)
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held after accept: got %d want 0", got)
	}
	if p.State() != Idle {
		t.Fatalf("state: got %s want IDLE", p.State())
	}
}

func TestDeclineIsDistinctButTearsDownTheSame(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	p, rs := newPresenter(t, Config{}, res)

	id, _ := p.Raise(context.Background(), fire("s1"))
	if err := p.Decline(context.Background(), id); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if r := waitResult(t, rs); r.Resolution != Declined {
		t.Fatalf("resolution: got %s want DECLINED", r.Resolution)
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
	if err := p.Accept(context.Background(), id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("accept after resolve: got %v want ErrNoSession", err)
	}
}

func TestTimeoutExpiresSession(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	p, rs := newPresenter(t, Config{Timeout: 30 * time.Millisecond}, res)

	if _, err := p.Raise(context.Background(), fire("s1")); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if r := waitResult(t, rs); r.Resolution != Expired {
		t.Fatalf("resolution: got %s want EXPIRED", r.Resolution)
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

func TestRaiseSupersedesActiveSession(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	p, rs := newPresenter(t, Config{}, res)

	first, _ := p.Raise(context.Background(), fire("s1"))
	second, err := p.Raise(context.Background(), fire("s2"))
	if err != nil {
		t.Fatalf("second Raise: %v", err)
	}
	if first == second {
		t.Fatalf("session ids must differ")
	}
	if r := waitResult(t, rs); r.Resolution != Superseded || r.Session != first {
		t.Fatalf("first result: %+v", r)
	}
	if got := l.held(); got != 4 {
		t.Fatalf("held: got %d want 4 (one session)", got)
	}
	for _, name := range []string{"wake", "audio", "vibration", "surface"} {
		if a, r := l.count(name); a != 2 || r != 1 {
			t.Fatalf("%s: acquired %d released %d", name, a, r)
		}
	}
	if snap := p.Snapshot(); snap.Session != second || snap.ScheduleID != "s2" {
		t.Fatalf("snapshot: %+v", snap)
	}

	if err := p.Accept(context.Background(), first); !errors.Is(err, ErrNoSession) {
		t.Fatalf("accept stale session: %v", err)
	}
	if err := p.Accept(context.Background(), 0); err != nil {
		t.Fatalf("accept current: %v", err)
	}
	waitResult(t, rs)
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

func TestAudioFailureDegradesButSucceeds(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	res.Audio = fakeAudio{l: l, err: errors.New("no alarm channel")}
	p, rs := newPresenter(t, Config{}, res)

	id, err := p.Raise(context.Background(), fire("s1"))
	if err != nil {
		t.Fatalf("Raise should succeed degraded: %v", err)
	}
	if snap := p.Snapshot(); len(snap.Degraded) != 1 || snap.Degraded[0] != "audio" {
		t.Fatalf("degraded: %+v", snap.Degraded)
	}
	_ = p.Accept(context.Background(), id)
	waitResult(t, rs)
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

func TestWakeLockDeniedReportsContention(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	res.WakeLock = fakeWake{l: l, err: errors.New("permission denied")}
	p, rs := newPresenter(t, Config{}, res)

	_, err := p.Raise(context.Background(), fire("s1"))
	if !faults.IsContention(err) {
		t.Fatalf("want contention error, got %v", err)
	}
	if p.State() != Active {
		t.Fatalf("degraded session should still be ACTIVE, got %s", p.State())
	}
	_ = p.Decline(context.Background(), 0)
	waitResult(t, rs)
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

func TestSurfaceExitTearsDown(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, surf := fullResources(l)
	p, rs := newPresenter(t, Config{}, res)

	if _, err := p.Raise(context.Background(), fire("s1")); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	close(surf.last().done)
	if r := waitResult(t, rs); r.Resolution != Aborted {
		t.Fatalf("resolution: got %s want ABORTED", r.Resolution)
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

type panickyReleaser struct{}

func (panickyReleaser) Release() error { panic("boom") }

type panickyAudio struct{}

func (panickyAudio) Start(context.Context) (Releaser, error) { return panickyReleaser{}, nil }

func TestTeardownContinuesPastFailures(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	res.Audio = panickyAudio{}
	p, rs := newPresenter(t, Config{}, res)

	_, _ = p.Raise(context.Background(), fire("s1"))
	_ = p.Accept(context.Background(), 0)
	r := waitResult(t, rs)
	if r.TeardownErr == nil {
		t.Fatalf("want teardown error from panicking release")
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}
}

func TestVibrationPatternDefaults(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	got := make(chan Pattern, 1)
	res.Vibrator = fakeVibrator{l: l, got: got}
	p, _ := newPresenter(t, Config{}, res)

	_, _ = p.Raise(context.Background(), fire("s1"))
	if pat := <-got; pat.On != time.Second || pat.Off != time.Second {
		t.Fatalf("pattern: %+v", pat)
	}
}

func TestStopReleasesActiveSession(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	rs := results{ch: make(chan Result, 1)}
	p := New(Config{}, res, logx.Nop(), nil, rs.on)
	p.Start(context.Background())

	_, _ = p.Raise(context.Background(), fire("s1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := l.held(); got != 0 {
		t.Fatalf("held after stop: got %d want 0", got)
	}
	if _, err := p.Raise(context.Background(), fire("s2")); !errors.Is(err, ErrStopped) {
		t.Fatalf("raise after stop: %v", err)
	}
}

// panicOnceAudio panics on its first Start and works afterwards.
type panicOnceAudio struct {
	l     *ledger
	calls *int32
}

func (a panicOnceAudio) Start(ctx context.Context) (Releaser, error) {
	if atomic.AddInt32(a.calls, 1) == 1 {
		panic("alsa: device vanished")
	}
	return a.l.acquire("audio"), nil
}

func TestDriverPanicDegradesAndActorSurvives(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	var calls int32
	res.Audio = panicOnceAudio{l: l, calls: &calls}
	p, rs := newPresenter(t, Config{}, res)

	id, err := p.Raise(context.Background(), fire("s1"))
	if err != nil {
		t.Fatalf("first raise: %v", err)
	}
	snap := p.Snapshot()
	if snap.State != Active.String() || len(snap.Degraded) != 1 || snap.Degraded[0] != "audio" {
		t.Fatalf("snapshot after panic: %+v", snap)
	}
	if err := p.Accept(context.Background(), id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitResult(t, rs)
	if got := l.held(); got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}

	id, err = p.Raise(context.Background(), fire("s2"))
	if err != nil {
		t.Fatalf("second raise: %v", err)
	}
	if got := l.held(); got != 4 {
		t.Fatalf("second raise held %d want 4", got)
	}
	_ = p.Accept(context.Background(), id)
	if r := waitResult(t, rs); r.ScheduleID != "s2" || len(r.Degraded) != 0 {
		t.Fatalf("second result: %+v", r)
	}
}

func TestResolveCallbackPanicKeepsActor(t *testing.T) {
	t.Parallel()
	l := newLedger()
	res, _ := fullResources(l)
	var n atomic.Int32
	p := New(Config{}, res, logx.Nop(), nil, func(Result) {
		if n.Add(1) == 1 {
			panic("audit store closed")
		}
	})
	p.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	}()

	for _, id := range []string{"s1", "s2"} {
		sid, err := p.Raise(context.Background(), fire(id))
		if err != nil {
			t.Fatalf("%s raise: %v", id, err)
		}
		if err := p.Accept(context.Background(), sid); err != nil {
			t.Fatalf("%s accept: %v", id, err)
		}
	}
	if n.Load() != 2 || l.held() != 0 {
		t.Fatalf("callbacks=%d held=%d", n.Load(), l.held())
	}
}
