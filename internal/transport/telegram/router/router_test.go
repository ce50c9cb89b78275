package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"wakecall/internal/faults"
	kit "wakecall/internal/transport"
	logx "wakecall/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
	menu     []kit.BotCommand
	notify   chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{notify: make(chan struct{}, 64)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return kit.MessageRef{MessageID: 1}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answered = append(f.answered, text)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return nil
}

func (f *fakeAdapter) SendDocument(context.Context, kit.ChatTarget, kit.Document) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for adapter call")
	}
}

func (f *fakeAdapter) last() (sent, answered string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.sent); n > 0 {
		sent = f.sent[n-1]
	}
	if n := len(f.answered); n > 0 {
		answered = f.answered[n-1]
	}
	return sent, answered
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/wake 07:30", []string{"/wake", "07:30"}},
		{`/wake 07:30 daily "morning run"`, []string{"/wake", "07:30", "daily", "morning run"}},
		{`/wake 07:30 'it''s'`, []string{"/wake", "07:30", "its"}},
		{`/wake a\ b`, []string{"/wake", "a b"}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"07:30", "--tz=Europe/Berlin", "--to", "+15551234567", "daily", "--purge"})
	if !reflect.DeepEqual(pos, []string{"07:30", "daily"}) {
		t.Fatalf("pos=%q", pos)
	}
	if flags["tz"] != "Europe/Berlin" || flags["to"] != "+15551234567" {
		t.Fatalf("flags=%v", flags)
	}
	if !bools["purge"] {
		t.Fatalf("bools=%v", bools)
	}
}

func TestNewReqIDUnique(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newReqID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func startRouter(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestRouterDispatchesCommand(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(ad, []int64{1}, logx.Nop())
	got := make(chan *Request, 1)
	r.Register(context.Background(), []Command{{
		Name:        "wake",
		Aliases:     []string{"w"},
		Description: "schedule",
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}}, nil)
	if len(ad.menu) != 1 || ad.menu[0].Command != "wake" {
		t.Fatalf("menu=%v", ad.menu)
	}
	in := startRouter(t, r)

	in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/W@wakebot 07:30 --tz UTC"}}
	select {
	case req := <-got:
		if req.Command != "wake" || !reflect.DeepEqual(req.Args, []string{"07:30"}) || req.Flags["tz"] != "UTC" {
			t.Fatalf("unexpected request %+v", req)
		}
		if req.Owner {
			t.Fatalf("user 2 is not an owner")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestRouterOwnerOnlyAndUnknown(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(ad, []int64{1}, logx.Nop())
	r.Register(context.Background(), []Command{{
		Name:   "status",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error { return nil },
	}}, nil)
	in := startRouter(t, r)

	in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/status"}}
	ad.wait(t)
	if sent, _ := ad.last(); sent != "unauthorized" {
		t.Fatalf("sent=%q", sent)
	}

	in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/nope"}}
	ad.wait(t)
	if sent, _ := ad.last(); !strings.HasPrefix(sent, "unknown command") {
		t.Fatalf("sent=%q", sent)
	}
}

func TestRouterRepliesWithValidationError(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop())
	r.Register(context.Background(), []Command{{
		Name: "wake",
		Handle: func(context.Context, *Request) error {
			return faults.Validationf("wake_time", "invalid time %q", "25:00")
		},
	}, {
		Name:   "boom",
		Handle: func(context.Context, *Request) error { return errors.New("db down") },
	}}, nil)
	in := startRouter(t, r)

	in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/wake 25:00"}}
	ad.wait(t)
	if sent, _ := ad.last(); !strings.Contains(sent, "invalid time") {
		t.Fatalf("sent=%q", sent)
	}

	in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/boom"}}
	ad.wait(t)
	if sent, _ := ad.last(); !strings.HasPrefix(sent, "internal error") || strings.Contains(sent, "db down") {
		t.Fatalf("sent=%q", sent)
	}
}

func TestRouterCallback(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop())
	payloads := make(chan string, 1)
	r.Register(context.Background(), nil, []CallbackRoute{{
		Namespace: "wake",
		Action:    "accept",
		Handle: func(_ context.Context, _ *Request, payload string) error {
			payloads <- payload
			return nil
		},
	}, {
		Namespace: "wake",
		Action:    "admin",
		Access:    AccessOwnerOnly,
		Handle:    func(context.Context, *Request, string) error { return nil },
	}})
	in := startRouter(t, r)

	in <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", ChatID: 10, FromID: 2, Data: "wake:accept:42"}}
	select {
	case p := <-payloads:
		if p != "42" {
			t.Fatalf("payload=%q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not routed")
	}
	ad.wait(t)

	in <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", ChatID: 10, FromID: 2, Data: "wake:admin:1"}}
	ad.wait(t)
	if _, ans := ad.last(); ans != "forbidden" {
		t.Fatalf("answer=%q", ans)
	}
}
