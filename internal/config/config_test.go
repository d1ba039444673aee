package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseFileYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bot.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: "10s"
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  enabled: true
  timezone: "Asia/Seoul"
tracker:
  enabled: true
  checkpoints: ["00:00", "12:00", "17:00"]
  step: 1000000
  proximity_window: 100000
  interval_tick: "5m"
  source:
    timeout: "10s"
    concurrent: 5
storage:
  driver: "sqlite"
  path: "./trackbot.db"
`)

	cfg, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owner ids = %v", cfg.Telegram.OwnerUserIDs)
	}
	if got := cfg.Scheduler.Timezone; got != "Asia/Seoul" {
		t.Fatalf("timezone = %q", got)
	}
	if len(cfg.Tracker.Checkpoints) != 3 || cfg.Tracker.Checkpoints[1] != "12:00" {
		t.Fatalf("checkpoints = %v", cfg.Tracker.Checkpoints)
	}
	if cfg.Tracker.Step != 1000000 {
		t.Fatalf("step = %d", cfg.Tracker.Step)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
}

func TestParseFileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bot.yaml", `
telegram:
  token: "x"
  poll_timeout: "10s"
  group_log: "-100123"
logging:
  level: "INFO"
  console: true
  file: {enabled: false, path: ""}
scheduler: {enabled: true}
tracker: {enabled: true, source: {}}
storage: {driver: "sqlite", path: "x.db"}
`)

	_, err := ParseFile(path)
	if err == nil {
		t.Fatalf("expected unknown-field error, got nil")
	}
	if !strings.Contains(err.Error(), "group_log") {
		t.Fatalf("error should name the unknown field, got: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means zero", raw: "", want: 0},
		{name: "simple", raw: "10s", want: 10 * time.Second},
		{name: "compound", raw: "1h30m", want: 90 * time.Minute},
		{name: "negative rejected", raw: "-5s", wantErr: true},
		{name: "garbage rejected", raw: "soon", wantErr: true},
		{name: "bare number rejected", raw: "10", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("test.field", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram:  TelegramConfig{Token: "t", PollTimeout: "10s"},
			Logging:   LoggingConfig{Level: "INFO", Console: true},
			Scheduler: SchedulerConfig{Enabled: true, Timezone: "Asia/Seoul"},
			Tracker: TrackerConfig{
				Enabled:     true,
				Checkpoints: []string{"00:00", "12:00"},
				Step:        1000000,
			},
			Storage: StorageConfig{Driver: "sqlite", Path: "a.db"},
		}
	}

	t.Run("no changes", func(t *testing.T) {
		t.Parallel()
		changed, _ := SummarizeConfigChange(base(), base())
		if len(changed) != 0 {
			t.Fatalf("changed = %v, want none", changed)
		}
	})

	t.Run("tracker and storage", func(t *testing.T) {
		t.Parallel()
		n := base()
		n.Tracker.Step = 500000
		n.Storage.Path = "b.db"
		changed, _ := SummarizeConfigChange(base(), n)
		if len(changed) != 2 || changed[0] != "storage" || changed[1] != "tracker" {
			t.Fatalf("changed = %v, want [storage tracker]", changed)
		}
	})

	t.Run("api key value change is invisible", func(t *testing.T) {
		t.Parallel()
		o := base()
		o.Tracker.Source.APIKey = "old"
		n := base()
		n.Tracker.Source.APIKey = "new"
		changed, _ := SummarizeConfigChange(o, n)
		if len(changed) != 0 {
			t.Fatalf("changed = %v, want none (set->set key rotation)", changed)
		}
	})

	t.Run("nil configs", func(t *testing.T) {
		t.Parallel()
		changed, _ := SummarizeConfigChange(nil, base())
		if len(changed) == 0 {
			t.Fatalf("expected changes from nil baseline")
		}
	})
}

func TestManagerLoadCommitGet(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bot.yaml", `
telegram: {token: "x", poll_timeout: "10s"}
logging: {level: "INFO", console: true, file: {enabled: false, path: ""}}
scheduler: {enabled: true}
tracker: {enabled: true, source: {}}
storage: {driver: "sqlite", path: "x.db"}
`)

	m := NewConfigManager(path)
	if got := m.Get(); got != nil {
		t.Fatalf("Get before Load = %v, want nil", got)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}
}
