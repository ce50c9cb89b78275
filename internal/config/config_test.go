package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./wakecall.db
scheduler:
  timezone: UTC
  reconcile: "@every 1m"
delivery:
  retry_delays: ["5s", "30s", "2m"]
  max_attempts: 3
telephony:
  driver: log
interrupt:
  enabled: true
  wake_ceiling: 10m
  audio:
    enabled: true
  surfaces:
    console: true
telegram:
  token: "123:abc"
  owner_user_ids: [1]
users:
  - id: alice
    phone: "+15550001111"
    chat_id: 10
platform:
  sd_notify: true
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("wakecall.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Scheduler.Reconcile != "@every 1m" || len(cfg.Delivery.RetryDelays) != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].ChatID != 10 {
		t.Fatalf("users=%+v", cfg.Users)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		data string
	}{
		{"unknown json field", "c.json", `{"storage":{"driver":"memory","bogus":1}}`},
		{"trailing json", "c.json", `{} {}`},
		{"unknown yaml field", "c.yml", "scheduler:\n  zone: UTC\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.file, []byte(tc.data)); err == nil {
			t.Fatalf("%s: decoded", tc.name)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:   StorageConfig{Driver: "file"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Base", MaxSleep: "soon", Reconcile: "every minute"},
		Delivery:  DeliveryConfig{RetryDelays: []string{"5s", "-1s"}},
		Telephony: TelephonyConfig{Driver: "twilio"},
		Users: []UserConfig{
			{ID: "a", ChatID: 1, Phone: "555"},
			{ID: "a", ChatID: 1},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"storage.path",
		"scheduler.timezone",
		"scheduler.max_sleep",
		"scheduler.reconcile",
		"delivery.retry_delays[1]",
		"telephony: twilio",
		"users[0].phone",
		"users[1].id: duplicate",
		"users[1].chat_id",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in:\n%s", want, msg)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}, Telephony: TelephonyConfig{Driver: "twilio", AuthToken: "tok1"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "new-secret"}, Telephony: TelephonyConfig{Driver: "twilio", AuthToken: "tok2"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"telegram", "telephony"}) {
		t.Fatalf("changed=%v", changed)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if out := buf.String(); strings.Contains(out, "secret") || strings.Contains(out, "tok1") || strings.Contains(out, "tok2") {
		t.Fatalf("secret leaked: %s", out)
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"telegram", "telephony"}) {
		t.Fatalf("restart=%v", got)
	}

	// An omitted notifier section equals its defaults.
	def := DefaultNotifier()
	if changed, _ := SummarizeConfigChange(&Config{}, &Config{Notifier: &def}); len(changed) != 0 {
		t.Fatalf("defaults reported as change: %v", changed)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%s err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%s err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %s", d)
	}
	if d, err := ParseDurationField("storage.audit_retention", "30d"); err != nil || d != 30*24*time.Hour {
		t.Fatalf("days: d=%s err=%v", d, err)
	}
	for _, bad := range []string{"1.5d", "d", "-2d", "soon"} {
		_, err := ParseDurationField("storage.audit_retention", bad)
		if err == nil || !strings.Contains(err.Error(), "storage.audit_retention") {
			t.Fatalf("%q: err=%v", bad, err)
		}
	}
}

func TestValidateFireTimeoutCoversRetries(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		fire    string
		del     DeliveryConfig
		wantErr bool
	}{
		{"defaults", "", DeliveryConfig{}, false},
		// 3 x 30s + 5s + 30s = 125s
		{"default retries, one minute", "1m", DeliveryConfig{}, true},
		{"exact budget", "125s", DeliveryConfig{}, false},
		{"short calls", "1m", DeliveryConfig{RetryDelays: []string{"5s"}, MaxAttempts: 3, CallTimeout: "10s"}, false},
		{"long retry delays", "10m", DeliveryConfig{RetryDelays: []string{"5m"}, MaxAttempts: 3}, true},
	}
	for _, tc := range cases {
		cfg := &Config{Scheduler: SchedulerConfig{FireTimeout: tc.fire}, Delivery: tc.del}
		err := Validate(cfg)
		if tc.wantErr != (err != nil) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if err != nil && !strings.Contains(err.Error(), "scheduler.fire_timeout") {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestDecodeYAMLUnquotedPhone(t *testing.T) {
	t.Parallel()
	_, err := Decode("wakecall.yml", []byte("users:\n  - id: alice\n    phone: +15550001111\n"))
	if err == nil {
		t.Fatalf("numeric phone accepted")
	}
	if msg := err.Error(); !strings.Contains(msg, "phone") || !strings.Contains(msg, "quote") {
		t.Fatalf("unhelpful error: %v", err)
	}
	cfg, err := Decode("wakecall.yml", []byte("users:\n  - id: alice\n    phone: \"+15550001111\"\n"))
	if err != nil || cfg.Users[0].Phone != "+15550001111" {
		t.Fatalf("quoted phone: %+v %v", cfg, err)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wakecall.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"scheduler":{"timezone":"UTC"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	updates := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is never published.
	write(`{"scheduler":{"timezone":"Mars/Base"}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	default:
	}

	write(`{"scheduler":{"timezone":"UTC","max_sleep":"10s"}}`)
	select {
	case cfg := <-updates:
		if cfg.Scheduler.MaxSleep != "10s" {
			t.Fatalf("got %+v", cfg.Scheduler)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no update published")
	}
	if m.Get().Scheduler.MaxSleep != "10s" {
		t.Fatalf("not committed")
	}
}
