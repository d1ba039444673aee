package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	logx "trackbot/pkg/logx"

	kit "trackbot/internal/transport"
)

type fakeAdapter struct {
	platform string

	mu    sync.Mutex
	calls int
	failN int // fail this many sends before succeeding
	sent  []string
	to    []kit.ChatTarget
}

func (f *fakeAdapter) Platform() string { return f.platform }
func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	return nil
}
func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	return kit.MessageRef{Platform: f.platform, ChatID: to.ChatID, MessageID: "1"}, nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startService(t *testing.T, cfg Config, adapters map[string]kit.Adapter) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1000
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Millisecond
	}
	s := New(cfg, adapters, logx.Nop(), nil, nil)
	s.Start(context.Background())
	return s
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyRoutesByPlatform(t *testing.T) {
	tg := &fakeAdapter{platform: kit.PlatformTelegram}
	sl := &fakeAdapter{platform: kit.PlatformSlack}
	s := startService(t, Config{}, map[string]kit.Adapter{
		kit.PlatformTelegram: tg,
		kit.PlatformSlack:    sl,
	})

	if err := s.Notify(context.Background(), kit.Notification{
		Target: kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-100"},
		Text:   "tg update",
	}); err != nil {
		t.Fatalf("Notify telegram: %v", err)
	}
	if err := s.Notify(context.Background(), kit.Notification{
		Target: kit.ChatTarget{Platform: kit.PlatformSlack, ChatID: "C123"},
		Text:   "slack update",
	}); err != nil {
		t.Fatalf("Notify slack: %v", err)
	}
	drain(t, s)

	if got := tg.sentTexts(); len(got) != 1 || got[0] != "tg update" {
		t.Fatalf("telegram sends = %q, want [tg update]", got)
	}
	if got := sl.sentTexts(); len(got) != 1 || got[0] != "slack update" {
		t.Fatalf("slack sends = %q, want [slack update]", got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, nil, logx.Nop(), nil, nil)
	err := s.Notify(context.Background(), kit.Notification{
		Target: kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "1"},
		Text:   "x",
	})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyDedupSuppressesRepeatKey(t *testing.T) {
	tg := &fakeAdapter{platform: kit.PlatformTelegram}
	s := startService(t, Config{DedupWindow: time.Hour}, map[string]kit.Adapter{kit.PlatformTelegram: tg})

	n := kit.Notification{
		Target: kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-100"},
		Text:   "crossed 12,000,000",
		Key:    "milestone:vid1:telegram:-100:12",
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	// Different rendering, same key: still suppressed.
	n.Text = "crossed 12.0M"
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	drain(t, s)

	if got := tg.sentTexts(); len(got) != 1 {
		t.Fatalf("sends = %d (%q), want exactly 1", len(got), got)
	}
}

func TestNotifyDedupDistinctKeysBothDeliver(t *testing.T) {
	tg := &fakeAdapter{platform: kit.PlatformTelegram}
	s := startService(t, Config{DedupWindow: time.Hour}, map[string]kit.Adapter{kit.PlatformTelegram: tg})

	base := kit.Notification{Target: kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-100"}}
	base.Text, base.Key = "crossed 12", "milestone:vid1:t:12"
	if err := s.Notify(context.Background(), base); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	base.Text, base.Key = "crossed 13", "milestone:vid1:t:13"
	if err := s.Notify(context.Background(), base); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	drain(t, s)

	if got := tg.sentTexts(); len(got) != 2 {
		t.Fatalf("sends = %d (%q), want 2", len(got), got)
	}
}

func TestNotifyRetriesTransientFailure(t *testing.T) {
	tg := &fakeAdapter{platform: kit.PlatformTelegram, failN: 1}
	s := startService(t, Config{RetryMax: 2}, map[string]kit.Adapter{kit.PlatformTelegram: tg})

	if err := s.Notify(context.Background(), kit.Notification{
		Target: kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-1"},
		Text:   "retry me",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	drain(t, s)

	if got := tg.callCount(); got != 2 {
		t.Fatalf("adapter calls = %d, want 2 (one failure, one success)", got)
	}
	if got := tg.sentTexts(); len(got) != 1 || got[0] != "retry me" {
		t.Fatalf("sends = %q, want [retry me]", got)
	}
}

func TestNotifyPriorityPrefix(t *testing.T) {
	tg := &fakeAdapter{platform: kit.PlatformTelegram}
	s := startService(t, Config{}, map[string]kit.Adapter{kit.PlatformTelegram: tg})

	if err := s.Notify(context.Background(), kit.Notification{
		Priority: 9,
		Target:   kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-1"},
		Text:     "store down",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	drain(t, s)

	got := tg.sentTexts()
	if len(got) != 1 || !strings.HasSuffix(got[0], "store down") || got[0] == "store down" {
		t.Fatalf("sent = %q, want priority prefix before text", got)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()
	a := kit.Notification{Target: kit.ChatTarget{Platform: "telegram", ChatID: "1"}, Text: "a", Key: "k1"}
	b := kit.Notification{Target: kit.ChatTarget{Platform: "telegram", ChatID: "1"}, Text: "totally different", Key: "k1"}
	if dedupKey(a) != dedupKey(b) {
		t.Fatalf("explicit key should dominate text")
	}
	b.Key = "k2"
	if dedupKey(a) == dedupKey(b) {
		t.Fatalf("distinct keys should not collide")
	}

	c := kit.Notification{Target: kit.ChatTarget{Platform: "telegram", ChatID: "1"}, Text: "same"}
	d := kit.Notification{Target: kit.ChatTarget{Platform: "telegram", ChatID: "2"}, Text: "same"}
	if dedupKey(c) == dedupKey(d) {
		t.Fatalf("fallback key should include target")
	}
	if dedupKey(kit.Notification{Text: "no target"}) != "" {
		t.Fatalf("empty target should disable dedup")
	}
}
