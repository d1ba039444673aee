package tracker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"trackbot/internal/router"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type fakeChat struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChat) Platform() string { return kit.PlatformTelegram }

func (f *fakeChat) Start(ctx context.Context, out chan<- kit.Update) error { return nil }

func (f *fakeChat) Stop(ctx context.Context) error { return nil }

func (f *fakeChat) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{Platform: f.Platform(), ChatID: to.ChatID, MessageID: "1"}, nil
}

func (f *fakeChat) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeChat) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (f *fakeChat) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no reply sent")
	}
	return f.sent[len(f.sent)-1]
}

func newReq(fa kit.Adapter, args []string, flags map[string]string, bools map[string]bool) *router.Request {
	if flags == nil {
		flags = map[string]string{}
	}
	if bools == nil {
		bools = map[string]bool{}
	}
	return &router.Request{
		Chat:      kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: "-100"},
		Tenant:    "telegram:-100",
		FromID:    "42",
		Args:      args,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     "test",
		Adapter:   fa,
		Logger:    logx.Nop(),
	}
}

func TestCmdTrackAndTracked(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{views: map[string]int64{"v1": 12345678}}
	svc, st, _, _ := newTestTracker(t, src)
	fa := &fakeChat{}

	if err := svc.cmdTrack(ctx, newReq(fa, []string{"v1", "My", "Video"}, nil, nil)); err != nil {
		t.Fatalf("cmdTrack: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "now tracking") || !strings.Contains(got, "My Video") ||
		!strings.Contains(got, "12,345,678") {
		t.Fatalf("track reply = %q", got)
	}

	it, err := st.GetItem(ctx, "v1", "telegram:-100")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.AlertChannel != "telegram:-100" {
		t.Fatalf("default alert channel = %q", it.AlertChannel)
	}

	if err := svc.cmdTracked(ctx, newReq(fa, nil, nil, nil)); err != nil {
		t.Fatalf("cmdTracked: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "My Video") || !strings.Contains(got, "12,345,678") {
		t.Fatalf("tracked reply = %q", got)
	}
}

func TestCmdTrackUnknownVideo(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestTracker(t, &fakeSource{})
	fa := &fakeChat{}

	if err := svc.cmdTrack(ctx, newReq(fa, []string{"ghost"}, nil, nil)); err != nil {
		t.Fatalf("cmdTrack returned %v, want handled reply", err)
	}
	if got := fa.last(t); !strings.Contains(got, "video not found") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdTrackChannelFlags(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{views: map[string]int64{"v1": 100}}
	svc, st, _, _ := newTestTracker(t, src)
	fa := &fakeChat{}

	req := newReq(fa, []string{"v1"}, map[string]string{"alerts": "telegram:-555"}, nil)
	if err := svc.cmdTrack(ctx, req); err != nil {
		t.Fatalf("cmdTrack: %v", err)
	}
	it, err := st.GetItem(ctx, "v1", "telegram:-100")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.AlertChannel != "telegram:-555" {
		t.Fatalf("alert channel = %q", it.AlertChannel)
	}
	if it.ChannelRef != "telegram:-100" {
		t.Fatalf("channel ref = %q", it.ChannelRef)
	}
}

func TestCmdIntervalSet(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{views: map[string]int64{"v1": 100}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", "telegram:-100")
	fa := &fakeChat{}

	if err := svc.cmdIntervalSet(ctx, newReq(fa, []string{"v1", "nonsense"}, nil, nil)); err != nil {
		t.Fatalf("cmdIntervalSet: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "bad duration") {
		t.Fatalf("reply = %q", got)
	}

	if err := svc.cmdIntervalSet(ctx, newReq(fa, []string{"v1", "2h"}, nil, nil)); err != nil {
		t.Fatalf("cmdIntervalSet: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "every 2h") {
		t.Fatalf("reply = %q", got)
	}
	iv, err := st.GetInterval(ctx, "v1", "telegram:-100")
	if err != nil || iv.Interval != 2*time.Hour {
		t.Fatalf("interval = %+v err=%v", iv, err)
	}

	if err := svc.cmdIntervalOff(ctx, newReq(fa, []string{"v1"}, nil, nil)); err != nil {
		t.Fatalf("cmdIntervalOff: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "disabled") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdUpcomingSetupAndOff(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newTestTracker(t, &fakeSource{})
	fa := &fakeChat{}

	req := newReq(fa, nil, map[string]string{"ping": "@team"}, nil)
	if err := svc.cmdUpcomingSetup(ctx, req); err != nil {
		t.Fatalf("cmdUpcomingSetup: %v", err)
	}
	uc, err := st.GetUpcomingConfig(ctx, "telegram:-100")
	if err != nil {
		t.Fatalf("GetUpcomingConfig: %v", err)
	}
	if uc.ChannelRef != "telegram:-100" || uc.PingText != "@team" {
		t.Fatalf("config = %+v", uc)
	}

	if err := svc.cmdUpcomingSetup(ctx, newReq(fa, nil, nil, map[string]bool{"off": true})); err != nil {
		t.Fatalf("cmdUpcomingSetup off: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "disabled") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdCheckReportsSummary(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{views: map[string]int64{"a": 100, "b": 200}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "a", tenant)
	seedItem(t, st, "b", tenant)
	fa := &fakeChat{}

	if err := svc.cmdCheck(ctx, newReq(fa, nil, nil, nil)); err != nil {
		t.Fatalf("cmdCheck: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "2 videos") || !strings.Contains(got, "0 errors") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdMilestoneReached(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{views: map[string]int64{"v1": 12345678, "v2": 500}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)
	seedItem(t, st, "v2", tenant)
	if _, err := svc.runSweep(ctx, "manual", ""); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	fa := &fakeChat{}

	if err := svc.cmdMilestoneReached(ctx, newReq(fa, nil, nil, nil)); err != nil {
		t.Fatalf("cmdMilestoneReached: %v", err)
	}
	got := fa.last(t)
	if !strings.Contains(got, "12,000,000") {
		t.Fatalf("reply missing threshold: %q", got)
	}
	if !strings.Contains(got, "none yet") {
		t.Fatalf("reply missing unprimed marker: %q", got)
	}
}

func TestCmdStatusAndViews(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{views: map[string]int64{"v1": 1500}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)
	if err := st.RecordObservation(ctx, "v1", tenant, 1000, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("RecordObservation: %v", err)
	}
	fa := &fakeChat{}

	if err := svc.cmdStatus(ctx, newReq(fa, nil, nil, nil)); err != nil {
		t.Fatalf("cmdStatus: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "1,000,000") || !strings.Contains(got, "00:00, 12:00, 17:00") {
		t.Fatalf("status reply = %q", got)
	}

	if err := svc.cmdViews(ctx, newReq(fa, []string{"v1"}, nil, nil)); err != nil {
		t.Fatalf("cmdViews: %v", err)
	}
	if got := fa.last(t); !strings.Contains(got, "1,500 views") || !strings.Contains(got, "+500 since last sweep") {
		t.Fatalf("views reply = %q", got)
	}
}
