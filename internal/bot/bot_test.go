package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"wakecall/internal/faults"
	"wakecall/internal/interrupt"
	"wakecall/internal/schedule"
	"wakecall/internal/storage"
	kit "wakecall/internal/transport"
	"wakecall/internal/transport/telegram/router"
	"wakecall/internal/users"
	logx "wakecall/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentText
	edits []sentText
	docs  []kit.Document
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentText{to: kit.ChatTarget{ChatID: ref.ChatID}, text: text, opt: opt})
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendDocument(_ context.Context, _ kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type fakeInterrupts struct {
	mu       sync.Mutex
	snap     interrupt.Snapshot
	accepted []uint64
	declined []uint64
}

func (f *fakeInterrupts) Accept(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.snap.Session {
		return interrupt.ErrNoSession
	}
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeInterrupts) Decline(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.snap.Session {
		return interrupt.ErrNoSession
	}
	f.declined = append(f.declined, id)
	return nil
}

func (f *fakeInterrupts) Snapshot() interrupt.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

var testNow = time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)

type fixture struct {
	bot     *Bot
	sched   *schedule.Service
	adapter *fakeAdapter
	intr    *fakeInterrupts
	dir     *users.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	dir := users.New([]users.User{
		{ID: "alice", ChatID: 10, Phone: "+15550001111"},
		{ID: "bob", ChatID: 20},
	})
	sched, err := schedule.New(schedule.Config{Timezone: "UTC", Now: func() time.Time { return testNow }}, store, dir, logx.Nop())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f := &fixture{sched: sched, adapter: &fakeAdapter{}, intr: &fakeInterrupts{}, dir: dir}
	f.bot = New(Deps{
		Schedules:  sched,
		Interrupts: f.intr,
		Users:      dir,
		Help:       func() string { return "help text" },
		Now:        func() time.Time { return testNow },
	}, logx.Nop())
	return f
}

func (f *fixture) request(from int64, owner bool, args ...string) *router.Request {
	flags := map[string]string{}
	bools := map[string]bool{}
	var pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			pos = append(pos, a)
			continue
		}
		k := strings.TrimPrefix(a, "--")
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") && k != "all" && k != "purge" {
			flags[k] = args[i+1]
			i++
			continue
		}
		bools[k] = true
	}
	return &router.Request{
		Chat:      kit.ChatTarget{ChatID: from},
		FromID:    from,
		Args:      pos,
		Flags:     flags,
		BoolFlags: bools,
		Adapter:   f.adapter,
		Logger:    logx.Nop(),
		Owner:     owner,
	}
}

func TestWakeParsesWordsAndFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(10, false, "07:30", "daily", "call", "gym", "day", "--to", "+15559998888")
	if err := f.bot.cmdWake(ctx, req); err != nil {
		t.Fatalf("wake: %v", err)
	}
	recs, err := f.sched.ListByUser(ctx, "alice")
	if err != nil || len(recs) != 1 {
		t.Fatalf("records=%v err=%v", recs, err)
	}
	rec := recs[0]
	if rec.Recurrence != schedule.Daily || rec.Mode != schedule.RemoteCall || rec.Label != "gym day" || rec.Destination != "+15559998888" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := f.adapter.lastText(); !strings.Contains(got, "scheduled") || !strings.Contains(got, "Fri 02 Jan 07:30 UTC") {
		t.Fatalf("reply=%q", got)
	}

	// Defaults: one-shot local interrupt, label kept verbatim.
	if err := f.bot.cmdWake(ctx, f.request(10, false, "06:00", "nap")); err != nil {
		t.Fatalf("wake: %v", err)
	}
	recs, _ = f.sched.ListByUser(ctx, "alice")
	var nap schedule.Record
	for _, r := range recs {
		if r.Label == "nap" {
			nap = r
		}
	}
	if nap.Recurrence != schedule.OneShot || nap.Mode != schedule.LocalInterrupt {
		t.Fatalf("defaults not applied: %+v", nap)
	}
}

func TestWakeRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		from int64
		args []string
	}{
		{"no args", 10, nil},
		{"unlinked chat", 99, []string{"07:30"}},
		{"bad time", 10, []string{"25:00"}},
		{"bad zone", 10, []string{"07:30", "--tz", "Mars/Base"}},
	}
	for _, tc := range cases {
		err := f.bot.cmdWake(ctx, f.request(tc.from, false, tc.args...))
		if !faults.IsValidation(err) {
			t.Fatalf("%s: err=%v, want validation", tc.name, err)
		}
	}
}

func TestCancelByPrefixRespectsOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.sched.Schedule(ctx, schedule.Request{UserID: "alice", WakeTime: "07:30", Recurrence: schedule.Daily, Mode: schedule.LocalInterrupt})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.bot.cmdCancel(ctx, f.request(20, false, rec.ID)); !faults.IsValidation(err) {
		t.Fatalf("bob cancelled alice's schedule: %v", err)
	}
	if err := f.bot.cmdCancel(ctx, f.request(10, false, rec.ID[:6])); err != nil {
		t.Fatalf("cancel by prefix: %v", err)
	}
	got, _ := f.sched.Get(ctx, rec.ID)
	if got.Status != schedule.Cancelled {
		t.Fatalf("status=%s", got.Status)
	}

	if err := f.bot.cmdCancel(ctx, f.request(20, true, rec.ID, "--purge")); err != nil {
		t.Fatalf("owner purge: %v", err)
	}
	if _, err := f.sched.Get(ctx, rec.ID); err == nil {
		t.Fatalf("record survived purge")
	}
}

func TestListShowsPendingInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, w := range []string{"09:00", "06:15"} {
		if _, err := f.sched.Schedule(ctx, schedule.Request{UserID: "alice", WakeTime: w, Recurrence: schedule.OneShot, Mode: schedule.LocalInterrupt}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if err := f.bot.cmdList(ctx, f.request(10, false)); err != nil {
		t.Fatalf("list: %v", err)
	}
	got := f.adapter.lastText()
	if i, j := strings.Index(got, "06:15"), strings.Index(got, "09:00"); i < 0 || j < 0 || i > j {
		t.Fatalf("list order wrong:\n%s", got)
	}

	if err := f.bot.cmdList(ctx, f.request(20, false)); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := f.adapter.lastText(); !strings.HasPrefix(got, "no schedules") {
		t.Fatalf("bob sees %q", got)
	}
}

func TestExportSendsCalendar(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Schedule(ctx, schedule.Request{UserID: "alice", WakeTime: "07:30", Recurrence: schedule.Daily, Mode: schedule.LocalInterrupt, Label: "gym"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.bot.cmdExport(ctx, f.request(10, false)); err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(f.adapter.docs) != 1 {
		t.Fatalf("docs=%d", len(f.adapter.docs))
	}
	doc := f.adapter.docs[0]
	body := string(doc.Data)
	if doc.MIME != "text/calendar" || !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "RRULE:FREQ=DAILY") {
		t.Fatalf("unexpected document %s:\n%s", doc.MIME, body)
	}
}

func TestAnswerButtons(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.sched.Schedule(ctx, schedule.Request{UserID: "alice", WakeTime: "07:30", Recurrence: schedule.OneShot, Mode: schedule.LocalInterrupt})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.intr.snap = interrupt.Snapshot{State: interrupt.Active.String(), Session: 3, ScheduleID: rec.ID}

	cases := []struct {
		name    string
		from    int64
		payload string
		accept  bool
		wantErr string
	}{
		{"garbage", 10, "x", true, "invalid button"},
		{"stale session", 10, "2", true, "already resolved"},
		{"other user", 20, "3", true, "not your wake-up"},
		{"decline", 10, "3", false, ""},
	}
	for _, tc := range cases {
		err := f.bot.answer(ctx, f.request(tc.from, false), tc.payload, tc.accept)
		switch {
		case tc.wantErr == "" && err != nil:
			t.Fatalf("%s: %v", tc.name, err)
		case tc.wantErr != "" && (err == nil || err.Error() != tc.wantErr):
			t.Fatalf("%s: err=%v, want %q", tc.name, err, tc.wantErr)
		}
	}
	if len(f.intr.declined) != 1 || len(f.intr.accepted) != 0 {
		t.Fatalf("accepted=%v declined=%v", f.intr.accepted, f.intr.declined)
	}
}

func TestDismissNothingRinging(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.bot.cmdDismiss(context.Background(), f.request(10, false)); !faults.IsValidation(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestSurfaceLaunchAndRelease(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	s := NewSurface(a, users.New([]users.User{{ID: "alice", ChatID: 10}}), logx.Nop())

	if _, err := s.Launch(context.Background(), interrupt.Prompt{Session: 1, UserID: "nobody"}); err == nil {
		t.Fatalf("launch for unknown user succeeded")
	}

	h, err := s.Launch(context.Background(), interrupt.Prompt{Session: 7, UserID: "alice", Label: "<gym>", Instant: testNow})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(a.sent) != 1 {
		t.Fatalf("sent=%d", len(a.sent))
	}
	msg := a.sent[0]
	if msg.to.ChatID != 10 || !strings.Contains(msg.text, "&lt;gym&gt;") {
		t.Fatalf("prompt=%+v", msg)
	}
	btns := msg.opt.Buttons
	if len(btns) != 1 || len(btns[0]) != 2 || btns[0][0].Data != "wake:accept:7" || btns[0][1].Data != "wake:decline:7" {
		t.Fatalf("buttons=%+v", btns)
	}

	select {
	case <-h.Done():
		t.Fatalf("chat surface reported done on its own")
	default:
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	_ = h.Release()
	if len(a.edits) != 1 || a.edits[0].opt.Buttons != nil {
		t.Fatalf("edits=%+v", a.edits)
	}
}
