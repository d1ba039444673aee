package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trackbot/internal/config"
	"trackbot/internal/notifier"
	"trackbot/internal/notifier/digest"
	"trackbot/internal/observability/health"
	"trackbot/internal/services/scheduler"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
	"trackbot/internal/tracker"
	kit "trackbot/internal/transport"
	slackad "trackbot/internal/transport/slack"
	telegramad "trackbot/internal/transport/telegram"
)

// Env fallbacks for secrets, so config files can stay token-free.
const (
	envTelegramToken = "TRACKBOT_TELEGRAM_TOKEN"
	envSlackBotToken = "SLACK_BOT_TOKEN"
	envSlackAppToken = "SLACK_APP_TOKEN"
	envYouTubeAPIKey = "YOUTUBE_API_KEY"
)

func orEnv(cfgVal, envKey string) string {
	if v := strings.TrimSpace(cfgVal); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(envKey))
}

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapTelegramConfig(cfg *config.Config) (telegramad.Config, error) {
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegramad.Config{}, err
	}
	token := orEnv(cfg.Telegram.Token, envTelegramToken)
	if token == "" {
		return telegramad.Config{}, fmt.Errorf("telegram.token is required (or set %s)", envTelegramToken)
	}
	return telegramad.Config{Token: token, PollTimeout: pollTimeout}, nil
}

// mapSlackConfig reports enabled=false when the section is absent or off.
// Token presence is only enforced when the adapter is actually wanted.
func mapSlackConfig(cfg *config.Config) (slackad.Config, bool, error) {
	if cfg.Slack == nil || !cfg.Slack.Enabled {
		return slackad.Config{}, false, nil
	}
	bot := orEnv(cfg.Slack.BotToken, envSlackBotToken)
	app := orEnv(cfg.Slack.AppToken, envSlackAppToken)
	if bot == "" || app == "" {
		return slackad.Config{}, false, fmt.Errorf("slack.enabled requires bot_token and app_token (or %s/%s)", envSlackBotToken, envSlackAppToken)
	}
	return slackad.Config{BotToken: bot, AppToken: app}, true, nil
}

// ownersByPlatform builds the router's owner index. Telegram ids are
// numeric, Slack member ids are opaque strings; both become strings here.
func ownersByPlatform(cfg *config.Config) map[string][]string {
	out := make(map[string][]string, 2)
	tg := make([]string, 0, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		tg = append(tg, strconv.FormatInt(id, 10))
	}
	out[kit.PlatformTelegram] = tg
	if cfg.Slack != nil && len(cfg.Slack.OwnerUserIDs) > 0 {
		out[kit.PlatformSlack] = append([]string(nil), cfg.Slack.OwnerUserIDs...)
	}
	return out
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler

	workers := sc.Workers
	if workers <= 0 {
		workers = 2
	}
	historySize := sc.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	retryMax := sc.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	defTimeout, err := parseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}

	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = "Asia/Seoul"
	}

	return scheduler.Config{
		Enabled:        sc.Enabled,
		Workers:        workers,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
		Timezone:       tz,
		RetryMax:       retryMax,
	}, nil
}

func mapTrackerConfig(cfg *config.Config) (tracker.Config, error) {
	tc := cfg.Tracker
	tick, err := parseDurationField("tracker.interval_tick", tc.IntervalTick)
	if err != nil {
		return tracker.Config{}, err
	}
	// The tracker's jobs live on the scheduler; a tracker without a
	// scheduler would silently never fire.
	if tc.Enabled && !cfg.Scheduler.Enabled {
		return tracker.Config{}, fmt.Errorf("tracker.enabled requires scheduler.enabled")
	}
	return tracker.Config{
		Enabled:         tc.Enabled,
		Checkpoints:     append([]string(nil), tc.Checkpoints...),
		Step:            tc.Step,
		ProximityWindow: tc.ProximityWindow,
		IntervalTick:    tick,
		SampleHistory:   tc.SampleHistory,
	}, nil
}

func mapSourceConfig(cfg *config.Config) (youtube.Config, error) {
	sc := cfg.Tracker.Source
	timeout, err := parseDurationField("tracker.source.timeout", sc.Timeout)
	if err != nil {
		return youtube.Config{}, err
	}
	retryBase, err := parseDurationField("tracker.source.retry_base", sc.RetryBase)
	if err != nil {
		return youtube.Config{}, err
	}
	cooldown, err := parseDurationField("tracker.source.breaker_cooldown", sc.BreakerCooldown)
	if err != nil {
		return youtube.Config{}, err
	}
	key := orEnv(sc.APIKey, envYouTubeAPIKey)
	if cfg.Tracker.Enabled && key == "" {
		return youtube.Config{}, fmt.Errorf("tracker.source.api_key is required (or set %s)", envYouTubeAPIKey)
	}
	return youtube.Config{
		APIKey:           key,
		Endpoint:         sc.Endpoint,
		Timeout:          timeout,
		Concurrent:       sc.Concurrent,
		RetryMax:         sc.RetryMax,
		RetryBase:        retryBase,
		RatePerSec:       sc.RatePerSec,
		BreakerThreshold: sc.BreakerThreshold,
		BreakerCooldown:  cooldown,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// An omitted section means "on with defaults": milestone alerts are
	// the product, so opting out must be explicit.
	nc := cfg.Notifier
	if nc == nil {
		nc = &config.NotifierConfig{Enabled: true}
	}
	retryBase, err := parseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := parseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

// mapDigestConfig derives the digest pipeline from the notifier section:
// both are outbound delivery and share the operator's rate expectations.
func mapDigestConfig(cfg *config.Config) digest.Config {
	nc := cfg.Notifier
	if nc == nil {
		nc = &config.NotifierConfig{Enabled: true}
	}
	return digest.Config{
		Enabled:    nc.Enabled,
		Workers:    nc.Workers,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	case "":
		return storage.Config{}, fmt.Errorf("storage.driver is required (sqlite or postgres)")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// ValidateConfig runs every section mapping without touching any running
// service. The reload validator and trackctl share it, so a config rejected
// here is rejected everywhere.
func ValidateConfig(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSlackConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	return nil
}

// StorageConfig maps the storage section for use outside the daemon.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	return mapStorageConfig(cfg)
}

// SourceConfig maps the view-source section for use outside the daemon.
func SourceConfig(cfg *config.Config) (youtube.Config, error) {
	return mapSourceConfig(cfg)
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	hc := cfg.Health
	if hc == nil {
		return health.Config{}, nil
	}
	readTimeout, err := parseDurationOrDefault("health.read_timeout", hc.ReadTimeout, 5*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	writeTimeout, err := parseDurationOrDefault("health.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	idleTimeout, err := parseDurationOrDefault("health.idle_timeout", hc.IdleTimeout, time.Minute)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
		Pprof:         hc.Pprof,
	}, nil
}
