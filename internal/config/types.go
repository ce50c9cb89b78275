package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "10m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Telephony TelephonyConfig `json:"telephony"`
	Interrupt InterruptConfig `json:"interrupt"`
	Telegram  TelegramConfig  `json:"telegram"`
	// Notifier may be omitted; it then runs with defaults when Telegram is on.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Users    []UserConfig    `json:"users"`
	Platform PlatformConfig  `json:"platform"`
	Debug    DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to telegram.group_log.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wakecall.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// AuditRetention drops audit entries older than this. Default 720h; "0s"
	// keeps them forever.
	AuditRetention string `json:"audit_retention,omitempty"`
	// AuditPrune is the cron spec of the prune job. Default "@daily".
	AuditPrune string `json:"audit_prune,omitempty"`
}

// SchedulerConfig controls the trigger scheduler.
type SchedulerConfig struct {
	// Timezone is the default zone of records without one. Empty means Local.
	Timezone    string `json:"timezone,omitempty"`
	MaxSleep    string `json:"max_sleep,omitempty"`
	Reconcile   string `json:"reconcile,omitempty"` // cron spec or "off"
	FireTimeout string `json:"fire_timeout,omitempty"`
}

type DeliveryConfig struct {
	RetryDelays []string `json:"retry_delays,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	CallTimeout string   `json:"call_timeout,omitempty"`
	HistorySize int      `json:"history_size,omitempty"`
}

// TelephonyConfig configures REMOTE_CALL placement. Credentials fall back to
// TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN.
type TelephonyConfig struct {
	Driver         string  `json:"driver"` // twilio, log or none
	AccountSID     string  `json:"account_sid,omitempty"`
	AuthToken      string  `json:"auth_token,omitempty"`
	From           string  `json:"from,omitempty"`
	URL            string  `json:"url,omitempty"`
	StatusCallback string  `json:"status_callback,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	DedupTTL       string  `json:"dedup_ttl,omitempty"`
}

// InterruptConfig configures the on-device wake-up. Each resource is
// optional; a session needs at least one.
type InterruptConfig struct {
	Enabled        bool            `json:"enabled"`
	WakeCeiling    string          `json:"wake_ceiling,omitempty"`
	Timeout        string          `json:"timeout,omitempty"`
	AcquireTimeout string          `json:"acquire_timeout,omitempty"`
	WakeLock       bool            `json:"wake_lock"`
	Audio          InterruptAudio  `json:"audio"`
	Vibration      InterruptVibe   `json:"vibration"`
	Surfaces       InterruptScreen `json:"surfaces"`
}

type InterruptAudio struct {
	Enabled bool    `json:"enabled"`
	Tone    string  `json:"tone,omitempty"` // PCM16 WAV; empty synthesizes a beep
	Volume  float64 `json:"volume,omitempty"`
}

type InterruptVibe struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // sysfs motor control file
	On      string `json:"on,omitempty"`
	Off     string `json:"off,omitempty"`
}

type InterruptScreen struct {
	Console  bool `json:"console"`
	Telegram bool `json:"telegram"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving forwarded log records.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

// NotifierConfig controls the async notification pipeline used for failure
// reports.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// UserConfig is one person wakecall may wake.
type UserConfig struct {
	ID       string `json:"id"`
	Phone    string `json:"phone,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type PlatformConfig struct {
	// SdNotify sends READY/STOPPING/WATCHDOG when run under systemd.
	SdNotify bool `json:"sd_notify"`
	// Unit is the daemon's own unit, shown by /status.
	Unit     string `json:"unit,omitempty"`
	UserUnit bool   `json:"user_unit,omitempty"`
	// WatchResume re-checks pending instants after the host resumes.
	WatchResume bool      `json:"watch_resume"`
	RTC         RTCConfig `json:"rtc"`
	Autostart   bool      `json:"autostart"`
}

// RTCConfig programs the hardware wake alarm for the earliest instant.
type RTCConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	Lead    string `json:"lead,omitempty"`
}

// DebugConfig is the local HTTP endpoint serving /status (read by
// `wakecall status`) and optionally pprof.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:7467
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
