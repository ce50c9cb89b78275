package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wakecall/internal/delivery"
	"wakecall/internal/observability/httpd"
	"wakecall/internal/telephony"
	"wakecall/internal/trigger"
)

// Validate checks what decoding cannot: durations, zones, cron specs, and
// cross-section references. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	zone := func(path, name string) {
		if strings.TrimSpace(name) == "" {
			return
		}
		if _, err := time.LoadLocation(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: unknown time zone %q", path, name))
		}
	}
	spec := func(path, raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.EqualFold(raw, "off") {
			return
		}
		if _, err := cron.ParseStandard(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron spec %q: %w", path, raw, err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.audit_retention", cfg.Storage.AuditRetention)
	spec("storage.audit_prune", cfg.Storage.AuditPrune)

	zone("scheduler.timezone", cfg.Scheduler.Timezone)
	dur("scheduler.max_sleep", cfg.Scheduler.MaxSleep)
	dur("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	spec("scheduler.reconcile", cfg.Scheduler.Reconcile)

	for i, d := range cfg.Delivery.RetryDelays {
		dur(fmt.Sprintf("delivery.retry_delays[%d]", i), d)
	}
	if cfg.Delivery.MaxAttempts < 0 {
		errs = append(errs, errors.New("delivery.max_attempts: must be >= 0"))
	}
	dur("delivery.call_timeout", cfg.Delivery.CallTimeout)
	if err := checkFireBudget(cfg); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Telephony.Driver)) {
	case "", "none", "log":
	case "twilio":
		if strings.TrimSpace(cfg.Telephony.From) == "" || strings.TrimSpace(cfg.Telephony.URL) == "" {
			errs = append(errs, errors.New("telephony: twilio needs from and url"))
		}
	default:
		errs = append(errs, fmt.Errorf("telephony.driver: unknown driver %q", cfg.Telephony.Driver))
	}
	dur("telephony.dedup_ttl", cfg.Telephony.DedupTTL)

	dur("interrupt.wake_ceiling", cfg.Interrupt.WakeCeiling)
	dur("interrupt.timeout", cfg.Interrupt.Timeout)
	dur("interrupt.acquire_timeout", cfg.Interrupt.AcquireTimeout)
	dur("interrupt.vibration.on", cfg.Interrupt.Vibration.On)
	dur("interrupt.vibration.off", cfg.Interrupt.Vibration.Off)
	if v := cfg.Interrupt.Audio.Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("interrupt.audio.volume: %v outside [0,1]", v))
	}
	if cfg.Interrupt.Surfaces.Telegram && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("interrupt.surfaces.telegram: needs telegram.token"))
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: want a chat id, got %q", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		errs = append(errs, errors.New("logging.telegram: needs telegram.group_log"))
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	seen := map[string]bool{}
	chats := map[int64]string{}
	for i, u := range cfg.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("users[%d].id: required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("users[%d].id: duplicate %q", i, id))
		}
		seen[id] = true
		if u.ChatID != 0 {
			if other, ok := chats[u.ChatID]; ok {
				errs = append(errs, fmt.Errorf("users[%d].chat_id: already bound to %q", i, other))
			}
			chats[u.ChatID] = id
		}
		if u.Phone != "" {
			if err := telephony.ValidateNumber(u.Phone); err != nil {
				errs = append(errs, fmt.Errorf("users[%d].phone: %w", i, err))
			}
		}
		zone(fmt.Sprintf("users[%d].timezone", i), u.Timezone)
	}

	dur("platform.rtc.lead", cfg.Platform.RTC.Lead)

	if d := cfg.Debug; d.Enabled {
		if a := strings.TrimSpace(d.Addr); a != "" && d.Token == "" && !d.AllowInsecure && !httpd.IsLoopback(a) {
			errs = append(errs, fmt.Errorf("debug.addr: %q is not loopback; set debug.token or debug.allow_insecure", a))
		}
	}
	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)
	return errors.Join(errs...)
}

// checkFireBudget rejects a scheduler.fire_timeout that would cut REMOTE_CALL
// retries short. Unparseable durations are reported elsewhere.
func checkFireBudget(cfg *Config) error {
	fire, err := ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, trigger.DefaultFireTimeout)
	if err != nil {
		return nil
	}
	dc := delivery.Config{MaxAttempts: cfg.Delivery.MaxAttempts}
	for i, raw := range cfg.Delivery.RetryDelays {
		d, err := ParseDurationField(fmt.Sprintf("delivery.retry_delays[%d]", i), raw)
		if err != nil {
			return nil
		}
		dc.RetryDelays = append(dc.RetryDelays, d)
	}
	if dc.CallTimeout, err = ParseDurationField("delivery.call_timeout", cfg.Delivery.CallTimeout); err != nil {
		return nil
	}
	if budget := dc.Budget(); fire < budget {
		return fmt.Errorf("scheduler.fire_timeout: %s is shorter than the delivery retry budget %s (max_attempts x call_timeout + retry_delays)", fire, budget)
	}
	return nil
}
