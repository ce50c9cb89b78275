package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wakecall/internal/config"
	"wakecall/internal/delivery"
	"wakecall/internal/device"
	"wakecall/internal/interrupt"
	"wakecall/internal/notifier"
	"wakecall/internal/observability/httpd"
	"wakecall/internal/storage"
	"wakecall/internal/telephony"
	"wakecall/internal/trigger"
	"wakecall/internal/users"
	logx "wakecall/pkg/logx"
)

const (
	defaultAuditRetention = 30 * 24 * time.Hour
	defaultAuditPrune     = "@daily"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapStorage maps "none" to the memory driver: the daemon always needs a
// store, it just may not survive a restart.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// auditPolicy returns the retention and prune spec. Zero retention keeps
// the trail forever.
func auditPolicy(cfg *config.Config) (time.Duration, string, error) {
	sc := cfg.Storage
	retention := defaultAuditRetention
	if raw := strings.TrimSpace(sc.AuditRetention); raw != "" {
		d, err := config.ParseDurationField("storage.audit_retention", raw)
		if err != nil {
			return 0, "", err
		}
		retention = d
	}
	spec := strings.TrimSpace(sc.AuditPrune)
	if spec == "" {
		spec = defaultAuditPrune
	}
	return retention, spec, nil
}

func mapTrigger(cfg *config.Config) (trigger.Config, error) {
	sc := cfg.Scheduler
	maxSleep, err := config.ParseDurationField("scheduler.max_sleep", sc.MaxSleep)
	if err != nil {
		return trigger.Config{}, err
	}
	fireTimeout, err := config.ParseDurationField("scheduler.fire_timeout", sc.FireTimeout)
	if err != nil {
		return trigger.Config{}, err
	}
	reconcile := strings.TrimSpace(sc.Reconcile)
	if strings.EqualFold(reconcile, "off") {
		reconcile = "off"
	}
	return trigger.Config{
		MaxSleep:    maxSleep,
		Reconcile:   reconcile,
		FireTimeout: fireTimeout,
		Timezone:    sc.Timezone,
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	delays := make([]time.Duration, 0, len(dc.RetryDelays))
	for i, raw := range dc.RetryDelays {
		d, err := config.ParseDurationField(fmt.Sprintf("delivery.retry_delays[%d]", i), raw)
		if err != nil {
			return delivery.Config{}, err
		}
		delays = append(delays, d)
	}
	callTimeout, err := config.ParseDurationField("delivery.call_timeout", dc.CallTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RetryDelays: delays,
		MaxAttempts: dc.MaxAttempts,
		CallTimeout: callTimeout,
		CallbackURL: strings.TrimSpace(cfg.Telephony.URL),
		HistorySize: dc.HistorySize,
	}, nil
}

func mapTelephony(cfg *config.Config) (telephony.Config, error) {
	tc := cfg.Telephony
	ttl, err := config.ParseDurationField("telephony.dedup_ttl", tc.DedupTTL)
	if err != nil {
		return telephony.Config{}, err
	}
	return telephony.Config{
		Driver:         tc.Driver,
		AccountSID:     tc.AccountSID,
		AuthToken:      tc.AuthToken,
		From:           tc.From,
		URL:            tc.URL,
		StatusCallback: tc.StatusCallback,
		RatePerSec:     tc.RatePerSec,
		Burst:          tc.Burst,
		DedupTTL:       ttl,
	}, nil
}

func mapInterrupt(cfg *config.Config) (interrupt.Config, error) {
	ic := cfg.Interrupt
	var out interrupt.Config
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"interrupt.wake_ceiling", ic.WakeCeiling, &out.WakeCeiling},
		{"interrupt.timeout", ic.Timeout, &out.Timeout},
		{"interrupt.acquire_timeout", ic.AcquireTimeout, &out.AcquireTimeout},
		{"interrupt.vibration.on", ic.Vibration.On, &out.Vibration.On},
		{"interrupt.vibration.off", ic.Vibration.Off, &out.Vibration.Off},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return interrupt.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapAudio(cfg *config.Config) device.AudioConfig {
	a := cfg.Interrupt.Audio
	vol := a.Volume
	if vol <= 0 {
		vol = 1
	}
	return device.AudioConfig{Tone: strings.TrimSpace(a.Tone), Volume: vol}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		// Reports go out through the bot; without a token there is no sender.
		Enabled:         nc.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		Owners:          append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
	}, nil
}

func mapUsers(cfg *config.Config) []users.User {
	out := make([]users.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		out = append(out, users.User{
			ID:       strings.TrimSpace(u.ID),
			Phone:    strings.TrimSpace(u.Phone),
			ChatID:   u.ChatID,
			Timezone: strings.TrimSpace(u.Timezone),
		})
	}
	return out
}

// logTarget is the chat receiving forwarded log records; 0 when unset.
func logTarget(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapDebug(cfg *config.Config) (httpd.Config, error) {
	dc := cfg.Debug
	out := httpd.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return httpd.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}
