package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"wakecall/internal/delivery"
	"wakecall/internal/interrupt"
	"wakecall/internal/schedule"
	"wakecall/internal/storage"
	"wakecall/internal/trigger"
	logx "wakecall/pkg/logx"
)

// held tracks device resources the way the host would see them.
type held struct {
	mu  sync.Mutex
	now map[string]int
	max map[string]int
}

func newHeld() *held { return &held{now: map[string]int{}, max: map[string]int{}} }

func (h *held) take(name string) interrupt.Releaser {
	h.mu.Lock()
	h.now[name]++
	h.max[name] = max(h.max[name], h.now[name])
	h.mu.Unlock()
	var once sync.Once
	return releaser(func() error {
		once.Do(func() {
			h.mu.Lock()
			h.now[name]--
			h.mu.Unlock()
		})
		return nil
	})
}

func (h *held) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, v := range h.now {
		n += v
	}
	return n
}

type releaser func() error

func (r releaser) Release() error { return r() }

type heldWake struct{ h *held }

func (w heldWake) Acquire(context.Context, time.Duration) (interrupt.Releaser, error) {
	return w.h.take("wake_lock"), nil
}

type heldAudio struct{ h *held }

func (a heldAudio) Start(context.Context) (interrupt.Releaser, error) { return a.h.take("audio"), nil }

type heldVibrator struct{ h *held }

func (v heldVibrator) Start(context.Context, interrupt.Pattern) (interrupt.Releaser, error) {
	return v.h.take("vibration"), nil
}

type heldSurface struct {
	h       *held
	prompts chan interrupt.Prompt
}

type surfaceHandle struct {
	interrupt.Releaser
	done chan struct{}
}

func (s surfaceHandle) Done() <-chan struct{} { return s.done }

func (s heldSurface) Launch(_ context.Context, p interrupt.Prompt) (interrupt.SurfaceHandle, error) {
	s.prompts <- p
	return surfaceHandle{Releaser: s.h.take("surface"), done: make(chan struct{})}, nil
}

// A 07:30 DAILY LOCAL_INTERRUPT rings within one scheduler tick, holds every
// resource until accepted, releases all of them and is re-armed for the next
// day.
func TestDailyLocalWakeUpEndToEnd(t *testing.T) {
	t.Parallel()
	const tick = 50 * time.Millisecond
	target := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	offset := target.Add(-300 * time.Millisecond).Sub(time.Now())
	now := func() time.Time { return time.Now().Add(offset) }

	repo, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer repo.Close()
	sched, err := schedule.New(schedule.Config{Timezone: "UTC", Now: now}, repo, nil, logx.Nop())
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}

	h := newHeld()
	surf := heldSurface{h: h, prompts: make(chan interrupt.Prompt, 4)}
	results := make(chan interrupt.Result, 4)
	pres := interrupt.New(interrupt.Config{}, interrupt.Resources{
		WakeLock: heldWake{h},
		Audio:    heldAudio{h},
		Vibrator: heldVibrator{h},
		Surface:  surf,
	}, logx.Nop(), nil, func(r interrupt.Result) { results <- r })
	disp := delivery.New(delivery.Config{}, logx.Nop(), delivery.WithPresenter(pres), delivery.WithAuditor(repo))
	trig := trigger.New(trigger.Config{Timezone: "UTC", Reconcile: "off", MaxSleep: tick, Now: now}, sched, disp, logx.Nop(), nil)
	sched.SetListener(trig)

	ctx := context.Background()
	pres.Start(ctx)
	if err := trig.Start(ctx); err != nil {
		t.Fatalf("trigger start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = trig.Stop(sctx)
		_ = pres.Stop(sctx)
	}()

	rec, err := sched.Schedule(ctx, schedule.Request{
		UserID:     "alice",
		WakeTime:   "07:30",
		Timezone:   "UTC",
		Recurrence: schedule.Daily,
		Mode:       schedule.LocalInterrupt,
		Label:      "gym",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if at, ok := trig.Next(rec.ID); !ok || !at.Equal(target) {
		t.Fatalf("armed at %v (%v), want %v", at, ok, target)
	}

	// The surface launches at the instant, give or take one tick.
	var prompt interrupt.Prompt
	select {
	case prompt = <-surf.prompts:
	case <-time.After(2 * time.Second):
		t.Fatalf("no surface launched")
	}
	if late := now().Sub(target); late < 0 || late > 4*tick {
		t.Fatalf("rang %s after the instant", late)
	}
	if prompt.ScheduleID != rec.ID || !prompt.Instant.Equal(target) || prompt.Label != "gym" {
		t.Fatalf("prompt: %+v", prompt)
	}
	waitFor(t, func() bool { return pres.State() == interrupt.Active }, "presenter ACTIVE")
	if got := h.total(); got != 4 {
		t.Fatalf("held %d resources while ringing, want 4", got)
	}

	// The next day is armed while the alarm is still ringing.
	next := target.AddDate(0, 0, 1)
	waitFor(t, func() bool { at, ok := trig.Next(rec.ID); return ok && at.Equal(next) }, "re-armed for tomorrow")

	if err := pres.Accept(ctx, prompt.Session); err != nil {
		t.Fatalf("accept: %v", err)
	}
	select {
	case r := <-results:
		if r.Resolution != interrupt.Accepted || r.ScheduleID != rec.ID || len(r.Degraded) != 0 || r.TeardownErr != nil {
			t.Fatalf("result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no resolution")
	}
	if got := h.total(); got != 0 {
		t.Fatalf("held %d resources after accept", got)
	}
	if pres.State() != interrupt.Idle {
		t.Fatalf("state %s after accept", pres.State())
	}

	stored, err := sched.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != schedule.Pending || stored.LastOutcome != schedule.Success ||
		!stored.LastFiredAt.Equal(target) || !stored.ArmedAt.Equal(next) {
		t.Fatalf("stored record: %+v", stored)
	}
	if snap := disp.Snapshot(0); snap.Delivered != 1 || snap.Failed != 0 {
		t.Fatalf("delivery snapshot: %+v", snap)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, n := range h.max {
		if n != 1 {
			t.Fatalf("%s acquired %d times at once", name, n)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
