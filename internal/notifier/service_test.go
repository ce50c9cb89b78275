package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wakecall/internal/eventbus"
	"wakecall/internal/schedule"
	kit "wakecall/internal/transport"
	logx "wakecall/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int // fail this many sends first
	sent  []kit.Notification
	calls int
	ch    chan struct{}
}

func newFakeSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, ch: make(chan struct{}, 64)}
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.sent = append(f.sent, kit.Notification{Target: to, Text: text})
	f.ch <- struct{}{}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) snapshot() ([]kit.Notification, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Notification(nil), f.sent...), f.calls
}

func (f *fakeSender) waitSent(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for send %d/%d", i+1, n)
		}
	}
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = map[string]time.Time{}
	}
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

type chats map[string]int64

func (c chats) ChatID(userID string) (int64, bool) {
	id, ok := c[userID]
	return id, ok
}

func startService(t *testing.T, cfg Config, sender kit.Sender, store DedupStore, c Chats, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, sender, store, c, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeSender(0), nil, nil, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestNotifyNotStarted(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeSender(0), nil, nil, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestNotifyRetriesTransientSendErrors(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(2)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "notifier.")
	defer unsub()
	s := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sender, nil, nil, bus)

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 7}, Text: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	sender.waitSent(t, 1)
	_, calls := sender.snapshot()
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.NotifierSent {
			t.Fatalf("event=%s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sent event")
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].ChatID != 7 {
		t.Fatalf("history=%+v", h)
	}
}

func TestNotifyDedupWindowPersists(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(0)
	store := &memDedup{}
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}
	s := startService(t, cfg, sender, store, nil, nil)

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 7}, Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	sender.waitSent(t, 1)

	// A fresh service sharing the store keeps suppressing.
	s2 := startService(t, cfg, sender, store, nil, nil)
	if err := s2.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sent, _ := sender.snapshot(); len(sent) != 1 {
		t.Fatalf("sent=%d, want 1", len(sent))
	}
}

func TestReportFailureTargetsUserAndOwners(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(0)
	s := startService(t, Config{Owners: []int64{100, 7}, DedupWindow: time.Hour}, sender, nil, chats{"alice": 7}, nil)

	rec := schedule.Record{
		ID: "s1", UserID: "alice", Label: "gym",
		WakeTime:   schedule.WakeTime{Hour: 7, Minute: 30},
		Recurrence: schedule.Daily, Mode: schedule.RemoteCall,
	}
	a := schedule.Attempt{ScheduleID: "s1", Number: 3, Outcome: schedule.PermanentFailure, Key: "s1@2026-01-02T07:30:00Z", Err: errors.New("gave up after 3 attempts")}
	s.ReportFailure(context.Background(), rec, a)
	// Retried reports for the same fire event are suppressed.
	s.ReportFailure(context.Background(), rec, a)
	sender.waitSent(t, 2)
	time.Sleep(50 * time.Millisecond)

	sent, _ := sender.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(sent))
	}
	got := map[int64]bool{}
	for _, n := range sent {
		got[n.Target.ChatID] = true
		if !strings.Contains(n.Text, "gym") || !strings.Contains(n.Text, "07:30 daily") || !strings.HasPrefix(n.Text, "🚨 ") {
			t.Fatalf("text=%q", n.Text)
		}
	}
	if !got[7] || !got[100] {
		t.Fatalf("targets=%v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}
}
