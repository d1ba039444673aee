package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`

	// Slack enables a second chat surface. If omitted, only Telegram runs.
	Slack *SlackConfig `json:"slack,omitempty"`

	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the trigger service (cron/interval/daily) and the
	// canonical timezone used for every scheduling decision.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tracker is the view tracking core: checkpoints, milestone step,
	// proximity window and the metrics source client.
	Tracker TrackerConfig `json:"tracker"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Storage is required; the tracker cannot run without durable state.
	Storage StorageConfig `json:"storage"`

	Health *HealthConfig `json:"health,omitempty"`
}

type TelegramConfig struct {
	// Token may be empty; TRACKBOT_TELEGRAM_TOKEN is used as a fallback.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// SlackConfig controls the Slack adapter (Socket Mode).
//
// Tokens may be empty; SLACK_BOT_TOKEN / SLACK_APP_TOKEN are used as
// fallbacks.
type SlackConfig struct {
	Enabled      bool     `json:"enabled"`
	BotToken     string   `json:"bot_token,omitempty"`
	AppToken     string   `json:"app_token,omitempty"`
	OwnerUserIDs []string `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler service (triggers + execution).
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - timezone: "Asia/Seoul"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	// Timezone is the canonical clock for checkpoints and due comparisons.
	Timezone string `json:"timezone,omitempty"`
}

// TrackerConfig controls the tracking core.
//
// Defaults (when fields are omitted/zero):
//   - checkpoints: ["00:00", "12:00", "17:00"] (canonical timezone)
//   - step: 1000000
//   - proximity_window: 100000
//   - interval_tick: "5m"
//   - sample_history: 10
type TrackerConfig struct {
	Enabled bool `json:"enabled"`

	// Checkpoints are daily "HH:MM" marks in the canonical timezone. Each
	// fires one full sweep per calendar date.
	Checkpoints []string `json:"checkpoints,omitempty"`

	// Step is the milestone granularity in measurement units.
	Step int64 `json:"step,omitempty"`

	// ProximityWindow is the "upcoming milestone" distance threshold.
	ProximityWindow int64 `json:"proximity_window,omitempty"`

	// IntervalTick is how often per-item interval due times are checked.
	// Go duration string; intervals themselves are hour-granularity.
	IntervalTick string `json:"interval_tick,omitempty"`

	// SampleHistory bounds the per-item rolling sample window used for
	// rate estimation.
	SampleHistory int `json:"sample_history,omitempty"`

	Source SourceConfig `json:"source"`
}

// SourceConfig controls the metrics fetch client.
//
// All durations are Go duration strings.
// Defaults (when fields are omitted/zero):
//   - timeout: "10s" (per attempt)
//   - concurrent: 5
//   - retry_max: 3
//   - retry_base: "1s"
//   - rate_per_sec: 8
//   - breaker_threshold: 10
//   - breaker_cooldown: "2m"
type SourceConfig struct {
	// APIKey may be empty; YOUTUBE_API_KEY is used as a fallback.
	APIKey string `json:"api_key,omitempty"`
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint string `json:"endpoint,omitempty"`

	Timeout    string `json:"timeout,omitempty"`
	Concurrent int    `json:"concurrent,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	// BreakerThreshold trips the client open after this many consecutive
	// failures; BreakerCooldown is how long it stays open.
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
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

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./trackbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite file path
	DSN         string `json:"dsn,omitempty"`          // postgres connection string
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HealthConfig controls the observability HTTP server
// (/healthz, /metrics, optional /debug/pprof).
//
// Security note: prefer binding to localhost unless the host firewall
// restricts access; pprof is only mounted when enabled explicitly.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Pprof   bool   `json:"pprof,omitempty"`

	// Token guards /metrics and pprof (Bearer or ?token=). Required for
	// non-loopback binds unless allow_insecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
