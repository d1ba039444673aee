package config

import (
	"reflect"
	"sort"
	"strings"

	logx "trackbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens or API
// keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	// Slack (never log tokens). Section may be nil (omitted).
	oSlack := derefSlack(oldCfg.Slack)
	nSlack := derefSlack(newCfg.Slack)
	if (oldCfg.Slack != nil) != (newCfg.Slack != nil) ||
		oSlack.Enabled != nSlack.Enabled ||
		!reflect.DeepEqual(oSlack.OwnerUserIDs, nSlack.OwnerUserIDs) ||
		(strings.TrimSpace(oSlack.BotToken) != "") != (strings.TrimSpace(nSlack.BotToken) != "") ||
		(strings.TrimSpace(oSlack.AppToken) != "") != (strings.TrimSpace(nSlack.AppToken) != "") {
		changed = append(changed, "slack")
		attrs = append(attrs,
			logx.Bool("slack.enabled", nSlack.Enabled),
			logx.Int("slack.owner_count", len(nSlack.OwnerUserIDs)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	// Tracker (never log the API key)
	if trackerChanged(oldCfg.Tracker, newCfg.Tracker) {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Bool("tracker.enabled", newCfg.Tracker.Enabled),
			logx.Int("tracker.checkpoint_count", len(newCfg.Tracker.Checkpoints)),
			logx.Int64("tracker.step", newCfg.Tracker.Step),
			logx.Int64("tracker.proximity_window", newCfg.Tracker.ProximityWindow),
			logx.String("tracker.interval_tick", strings.TrimSpace(newCfg.Tracker.IntervalTick)),
			logx.Bool("tracker.api_key_set", strings.TrimSpace(newCfg.Tracker.Source.APIKey) != ""),
		)
	}

	// Notifier (async pipeline)
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		PersistDedup:    false,
	}
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage (never log the DSN; it can embed credentials)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		(strings.TrimSpace(oldCfg.Storage.DSN) != "") != (strings.TrimSpace(newCfg.Storage.DSN) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Health server
	oHealth := derefHealth(oldCfg.Health)
	nHealth := derefHealth(newCfg.Health)
	if (oldCfg.Health != nil) != (newCfg.Health != nil) || !reflect.DeepEqual(oHealth, nHealth) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", nHealth.Enabled),
			logx.String("health.addr", strings.TrimSpace(nHealth.Addr)),
			logx.Bool("health.pprof", nHealth.Pprof),
			logx.Bool("health.token_set", strings.TrimSpace(nHealth.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func trackerChanged(o, n TrackerConfig) bool {
	if o.Enabled != n.Enabled ||
		!reflect.DeepEqual(o.Checkpoints, n.Checkpoints) ||
		o.Step != n.Step ||
		o.ProximityWindow != n.ProximityWindow ||
		strings.TrimSpace(o.IntervalTick) != strings.TrimSpace(n.IntervalTick) ||
		o.SampleHistory != n.SampleHistory {
		return true
	}
	// Compare the source block with the API key reduced to set/unset.
	os, ns := o.Source, n.Source
	keyChanged := (strings.TrimSpace(os.APIKey) != "") != (strings.TrimSpace(ns.APIKey) != "")
	os.APIKey, ns.APIKey = "", ""
	return keyChanged || !reflect.DeepEqual(os, ns)
}

func derefSlack(c *SlackConfig) SlackConfig {
	if c == nil {
		return SlackConfig{}
	}
	return *c
}

func derefHealth(c *HealthConfig) HealthConfig {
	if c == nil {
		return HealthConfig{}
	}
	return *c
}
