package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wakecall/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and safe attrs for the
// reload log line. Secrets (bot token, telephony credentials, phone numbers)
// are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		o.Token != n.Token ||
			!reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) ||
			strings.TrimSpace(o.GroupLog) != strings.TrimSpace(n.GroupLog) ||
			strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout),
		logx.Bool("telegram.token_changed", o.Token != n.Token),
		logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(n.GroupLog) != ""),
		logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
	)

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		logx.String("storage.audit_retention", newCfg.Storage.AuditRetention),
	)

	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.String("scheduler.reconcile", newCfg.Scheduler.Reconcile),
		logx.String("scheduler.max_sleep", newCfg.Scheduler.MaxSleep),
	)

	section("delivery", !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery),
		logx.Strings("delivery.retry_delays", newCfg.Delivery.RetryDelays),
		logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
		logx.String("delivery.call_timeout", newCfg.Delivery.CallTimeout),
	)

	ot, nt := oldCfg.Telephony, newCfg.Telephony
	section("telephony", ot != nt,
		logx.String("telephony.driver", nt.Driver),
		logx.Bool("telephony.credentials_set", nt.AccountSID != "" && nt.AuthToken != ""),
		logx.Bool("telephony.credentials_changed", ot.AccountSID != nt.AccountSID || ot.AuthToken != nt.AuthToken),
		logx.Bool("telephony.url_set", nt.URL != ""),
	)

	section("interrupt", oldCfg.Interrupt != newCfg.Interrupt,
		logx.Bool("interrupt.enabled", newCfg.Interrupt.Enabled),
		logx.String("interrupt.wake_ceiling", newCfg.Interrupt.WakeCeiling),
		logx.Bool("interrupt.audio", newCfg.Interrupt.Audio.Enabled),
		logx.Bool("interrupt.vibration", newCfg.Interrupt.Vibration.Enabled),
	)

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	section("notifier", on != nn,
		logx.Bool("notifier.enabled", nn.Enabled),
		logx.Int("notifier.workers", nn.Workers),
		logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		logx.Bool("notifier.persist_dedup", nn.PersistDedup),
	)

	section("users", !reflect.DeepEqual(oldCfg.Users, newCfg.Users),
		logx.Int("users.count", len(newCfg.Users)),
	)

	section("platform", oldCfg.Platform != newCfg.Platform,
		logx.Bool("platform.sd_notify", newCfg.Platform.SdNotify),
		logx.Bool("platform.rtc", newCfg.Platform.RTC.Enabled),
		logx.Bool("platform.watch_resume", newCfg.Platform.WatchResume),
	)

	od, nd := oldCfg.Debug, newCfg.Debug
	section("debug", od != nd,
		logx.Bool("debug.enabled", nd.Enabled),
		logx.String("debug.addr", nd.Addr),
		logx.Bool("debug.pprof", nd.Pprof),
		logx.Bool("debug.token_changed", od.Token != nd.Token),
	)

	sort.Strings(changed)
	return changed, attrs
}

// DefaultNotifier is what an omitted notifier section means.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1h",
		DedupMaxEntries: 2000,
	}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

// RestartRequired reports sections whose change needs a process restart to
// take effect; everything else is applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "scheduler", "telegram", "telephony", "interrupt", "platform":
			out = append(out, s)
		}
	}
	return out
}
