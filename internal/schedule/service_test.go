package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"wakecall/internal/faults"
	logx "wakecall/pkg/logx"
)

type memRepo struct {
	mu    sync.Mutex
	recs  map[string]Record
	audit []AuditEntry
}

func newMemRepo() *memRepo { return &memRepo{recs: map[string]Record{}} }

func (m *memRepo) PutSchedule(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.recs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *memRepo) GetSchedule(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memRepo) ListSchedules(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

func (m *memRepo) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

type recListener struct {
	mu        sync.Mutex
	changed   []string
	cancelled []string
}

func (l *recListener) ScheduleChanged(id string) {
	l.mu.Lock()
	l.changed = append(l.changed, id)
	l.mu.Unlock()
}

func (l *recListener) ScheduleCancelled(id string) {
	l.mu.Lock()
	l.cancelled = append(l.cancelled, id)
	l.mu.Unlock()
}

type staticDir map[string]string

func (d staticDir) PhoneNumber(user string) (string, bool) {
	p, ok := d[user]
	return p, ok
}

func newTestService(t *testing.T, dir Directory) (*Service, *memRepo, *recListener) {
	t.Helper()
	repo := newMemRepo()
	svc, err := New(Config{Timezone: "UTC", Now: func() time.Time {
		return time.Date(2026, 5, 10, 22, 0, 0, 0, time.UTC)
	}}, repo, dir, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l := &recListener{}
	svc.SetListener(l)
	return svc, repo, l
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	svc, _, l := newTestService(t, staticDir{"bob": "+15550001111"})
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"bad time", Request{UserID: "ann", WakeTime: "25:00", Recurrence: Daily, Mode: LocalInterrupt}, "wake_time"},
		{"no user", Request{WakeTime: "07:30", Recurrence: Daily, Mode: LocalInterrupt}, "user"},
		{"no destination", Request{UserID: "ann", WakeTime: "07:30", Recurrence: OneShot, Mode: RemoteCall}, "destination"},
		{"bad mode", Request{UserID: "ann", WakeTime: "07:30", Recurrence: OneShot}, "delivery_mode"},
		{"bad zone", Request{UserID: "ann", WakeTime: "07:30", Timezone: "Mars/Olympus", Recurrence: OneShot, Mode: LocalInterrupt}, "timezone"},
	}
	for _, tc := range cases {
		_, err := svc.Schedule(ctx, tc.req)
		if !faults.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
		var fe *faults.Error
		if errors.As(err, &fe) && fe.Field != tc.field {
			t.Errorf("%s: field=%q want %q", tc.name, fe.Field, tc.field)
		}
	}
	if len(l.changed) != 0 {
		t.Fatalf("invalid requests must not reach the scheduler: %v", l.changed)
	}

	rec, err := svc.Schedule(ctx, Request{UserID: "bob", WakeTime: "06:45", Recurrence: OneShot, Mode: RemoteCall})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if rec.Destination != "+15550001111" {
		t.Fatalf("destination from directory = %q", rec.Destination)
	}
	if rec.Status != Pending || rec.ID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(l.changed) != 1 || l.changed[0] != rec.ID {
		t.Fatalf("scheduler not notified: %v", l.changed)
	}
}

func TestPutIdempotentAndRetrigger(t *testing.T) {
	t.Parallel()

	svc, repo, l := newTestService(t, nil)
	ctx := context.Background()

	rec, err := svc.Schedule(ctx, Request{UserID: "ann", WakeTime: "07:30", Recurrence: Daily, Mode: LocalInterrupt})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	armed := time.Date(2026, 5, 11, 7, 30, 0, 0, time.UTC)
	if err := svc.RecordArmed(ctx, rec.ID, armed); err != nil {
		t.Fatalf("RecordArmed: %v", err)
	}

	same, _ := svc.Get(ctx, rec.ID)
	if _, err := svc.Put(ctx, same); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(l.changed) != 1 {
		t.Fatalf("identical put must not retrigger: %v", l.changed)
	}
	if got, _ := repo.GetSchedule(ctx, rec.ID); !got.ArmedAt.Equal(armed) {
		t.Fatalf("armed instant lost on identical put: %v", got.ArmedAt)
	}

	same.WakeTime = WakeTime{Hour: 6, Minute: 0}
	if _, err := svc.Put(ctx, same); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(l.changed) != 2 {
		t.Fatalf("wake time change must retrigger: %v", l.changed)
	}
	if got, _ := repo.GetSchedule(ctx, rec.ID); !got.ArmedAt.IsZero() {
		t.Fatalf("stale armed instant kept: %v", got.ArmedAt)
	}

	if _, err := svc.Cancel(ctx, rec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(l.cancelled) != 1 {
		t.Fatalf("cancel not signalled: %v", l.cancelled)
	}
	if _, err := svc.Cancel(ctx, rec.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if len(l.cancelled) != 1 {
		t.Fatalf("repeated cancel signalled again: %v", l.cancelled)
	}

	revived, _ := svc.Get(ctx, rec.ID)
	revived.Status = Pending
	if _, err := svc.Put(ctx, revived); err != nil {
		t.Fatalf("un-cancel: %v", err)
	}
	if len(l.changed) != 3 {
		t.Fatalf("un-cancel must retrigger: %v", l.changed)
	}
	if len(repo.audit) == 0 {
		t.Fatalf("audit trail empty")
	}
}

func TestRecordFiredTransitions(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	instant := time.Date(2026, 5, 11, 7, 30, 0, 0, time.UTC)

	one, _ := svc.Schedule(ctx, Request{UserID: "ann", WakeTime: "07:30", Recurrence: OneShot, Mode: LocalInterrupt})
	got, err := svc.RecordFired(ctx, one.ID, instant, Success)
	if err != nil || got.Status != Fired || got.LastOutcome != Success {
		t.Fatalf("one-shot after fire: %+v %v", got, err)
	}

	daily, _ := svc.Schedule(ctx, Request{UserID: "ann", WakeTime: "07:30", Recurrence: Daily, Mode: LocalInterrupt})
	got, _ = svc.RecordFired(ctx, daily.ID, instant, PermanentFailure)
	if got.Status != Pending || got.LastOutcome != PermanentFailure {
		t.Fatalf("daily after failed fire: %+v", got)
	}

	gone, _ := svc.Schedule(ctx, Request{UserID: "ann", WakeTime: "07:30", Recurrence: OneShot, Mode: LocalInterrupt})
	_, _ = svc.Cancel(ctx, gone.ID)
	got, _ = svc.RecordFired(ctx, gone.ID, instant, Success)
	if got.Status != Cancelled {
		t.Fatalf("cancel during delivery must stick, got %s", got.Status)
	}
}

func TestListByUser(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	for _, u := range []string{"ann", "bob", "ann"} {
		if _, err := svc.Schedule(ctx, Request{UserID: u, WakeTime: "07:30", Recurrence: Daily, Mode: LocalInterrupt}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	recs, err := svc.ListByUser(ctx, "ann")
	if err != nil || len(recs) != 2 {
		t.Fatalf("ListByUser: %d %v", len(recs), err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
}
