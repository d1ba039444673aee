package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
)

func TestTrackMeasuresAndPrimes(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	actor := Actor{Ref: "telegram:1", Username: "ops"}
	src := &fakeSource{views: map[string]int64{"v1": 12345678}}
	svc, st, fn, _ := newTestTracker(t, src)

	it, created, err := svc.Track(ctx, actor, " v1 ", tenant, "My Video", tenant, tenant)
	if err != nil || !created {
		t.Fatalf("Track: created=%v err=%v", created, err)
	}
	if it.ItemID != "v1" || it.LastCount != 12345678 || !it.HasCount {
		t.Fatalf("returned item = %+v", it)
	}

	ms, err := st.GetMilestone(ctx, "v1", tenant)
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}
	if !ms.Primed || ms.LastCrossed != 12 {
		t.Fatalf("watermark = (%v, %d), want primed at 12", ms.Primed, ms.LastCrossed)
	}
	if got := fn.withKeyPrefix("milestone:"); len(got) != 0 {
		t.Fatalf("Track alerted on prime: %d", len(got))
	}

	// Re-track refreshes metadata without creating.
	_, created, err = svc.Track(ctx, actor, "v1", tenant, "Renamed", tenant, tenant)
	if err != nil || created {
		t.Fatalf("re-track: created=%v err=%v", created, err)
	}
	got, err := st.GetItem(ctx, "v1", tenant)
	if err != nil || got.Title != "Renamed" {
		t.Fatalf("metadata not refreshed: %+v err=%v", got, err)
	}
}

func TestTrackRejectsUnknownID(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	svc, st, _, _ := newTestTracker(t, src)

	_, _, err := svc.Track(ctx, Actor{Ref: "telegram:1"}, "ghost", "telegram:-100", "", "telegram:-100", "telegram:-100")
	if !errors.Is(err, youtube.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetItem(ctx, "ghost", "telegram:-100"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed track persisted the item: %v", err)
	}
}

func TestIdempotentReAdd(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	actor := Actor{Ref: "telegram:1"}
	src := &fakeSource{views: map[string]int64{"v1": 12345678}}
	svc, st, fn, _ := newTestTracker(t, src)

	if _, _, err := svc.Track(ctx, actor, "v1", tenant, "A", tenant, tenant); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := svc.Untrack(ctx, actor, "v1", tenant); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if _, err := st.GetMilestone(ctx, "v1", tenant); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("watermark survived removal: %v", err)
	}

	// Re-add at a higher count primes fresh instead of alerting the gap.
	src.set("v1", 12500000)
	if _, _, err := svc.Track(ctx, actor, "v1", tenant, "A", tenant, tenant); err != nil {
		t.Fatalf("re-Track: %v", err)
	}
	if got := fn.withKeyPrefix("milestone:"); len(got) != 0 {
		t.Fatalf("re-add resurrected alerts: %d", len(got))
	}
	ms, err := st.GetMilestone(ctx, "v1", tenant)
	if err != nil || !ms.Primed || ms.LastCrossed != 12 {
		t.Fatalf("fresh watermark = %+v err=%v", ms, err)
	}
}

func TestIntervalFireAdvancesFromActualTime(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{views: map[string]int64{"v1": 500000}}
	svc, st, fn, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)

	if err := st.SetInterval(ctx, "v1", tenant, 2*time.Hour, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}

	fireAt := time.Now()
	svc.intervalTick(ctx, fireAt)

	iv, err := st.GetInterval(ctx, "v1", tenant)
	if err != nil {
		t.Fatalf("GetInterval: %v", err)
	}
	if !iv.HasMeasurement || iv.LastMeasurement != 500000 {
		t.Fatalf("interval state = %+v", iv)
	}
	// Next due anchors to the actual fire time, give or take storage
	// second granularity.
	wantDue := fireAt.Add(2 * time.Hour)
	if d := iv.NextDue.Sub(wantDue); d < -2*time.Second || d > 2*time.Second {
		t.Fatalf("next due = %v, want about %v", iv.NextDue, wantDue)
	}
	samples, err := st.ListSamples(ctx, "v1", tenant)
	if err != nil || len(samples) != 1 {
		t.Fatalf("samples = %d err=%v", len(samples), err)
	}

	// Second fire: net change and a rate estimate in the message.
	src.set("v1", 520000)
	svc.runIntervalCheck(ctx, svc.cfg, iv, fireAt.Add(2*time.Hour))

	samples, err = st.ListSamples(ctx, "v1", tenant)
	if err != nil || len(samples) != 2 {
		t.Fatalf("samples after second fire = %d err=%v", len(samples), err)
	}
	var last string
	for _, n := range fn.all() {
		if strings.Contains(n.Text, "since last check") {
			last = n.Text
		}
	}
	if last == "" {
		t.Fatalf("no interval update sent")
	}
	if !strings.Contains(last, "+20,000") {
		t.Fatalf("interval update missing net change: %q", last)
	}
	if !strings.Contains(last, "10,000/h") {
		t.Fatalf("interval update missing rate: %q", last)
	}
}

func TestIntervalNotFoundDefersFullInterval(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{} // every fetch answers not-found
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)

	if err := st.SetInterval(ctx, "v1", tenant, 2*time.Hour, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}

	fireAt := time.Now()
	svc.intervalTick(ctx, fireAt)

	iv, err := st.GetInterval(ctx, "v1", tenant)
	if err != nil {
		t.Fatalf("GetInterval: %v", err)
	}
	if iv.HasMeasurement {
		t.Fatalf("not-found wrote a measurement: %+v", iv)
	}
	wantDue := fireAt.Add(2 * time.Hour)
	if d := iv.NextDue.Sub(wantDue); d < -2*time.Second || d > 2*time.Second {
		t.Fatalf("next due = %v, want deferred to about %v", iv.NextDue, wantDue)
	}
	if samples, _ := st.ListSamples(ctx, "v1", tenant); len(samples) != 0 {
		t.Fatalf("not-found appended samples: %d", len(samples))
	}
}

func TestSetItemIntervalValidates(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	actor := Actor{Ref: "telegram:1"}
	src := &fakeSource{views: map[string]int64{"v1": 100}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)

	if err := svc.SetItemInterval(ctx, actor, "v1", tenant, 30*time.Minute); err == nil {
		t.Fatalf("sub-hour interval accepted")
	}
	if err := svc.SetItemInterval(ctx, actor, "missing", tenant, 2*time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown item: %v", err)
	}
	if err := svc.SetItemInterval(ctx, actor, "v1", tenant, 2*time.Hour); err != nil {
		t.Fatalf("SetItemInterval: %v", err)
	}
	iv, err := st.GetInterval(ctx, "v1", tenant)
	if err != nil || iv.Interval != 2*time.Hour {
		t.Fatalf("interval = %+v err=%v", iv, err)
	}

	if err := svc.DisableItemInterval(ctx, actor, "v1", tenant); err != nil {
		t.Fatalf("DisableItemInterval: %v", err)
	}
	iv, err = st.GetInterval(ctx, "v1", tenant)
	if err != nil || iv.Interval != 0 {
		t.Fatalf("disable left interval = %+v err=%v", iv, err)
	}
}

func TestUpcomingOnDemandUsesStoredCounts(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "near", tenant)
	seedItem(t, st, "fresh", tenant)

	if err := st.RecordObservation(ctx, "near", tenant, 11950000, time.Now()); err != nil {
		t.Fatalf("RecordObservation: %v", err)
	}

	entries, err := svc.Upcoming(ctx, tenant)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (unmeasured items skipped)", len(entries))
	}
	e := entries[0]
	if e.ItemID != "near" || e.Remaining != 50000 || e.Next != 12000000 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestMilestoneConfigRouting(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	actor := Actor{Ref: "telegram:1"}
	src := &fakeSource{views: map[string]int64{"v1": 900000}}
	svc, st, fn, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)

	// Prime below 1M, then configure an override channel and ping.
	if _, err := svc.runSweep(ctx, "manual", ""); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	if err := svc.SetMilestone(ctx, actor, "v1", tenant, "telegram:-999", "@everyone"); err != nil {
		t.Fatalf("SetMilestone: %v", err)
	}

	src.set("v1", 1000001)
	if _, err := svc.runSweep(ctx, "manual", ""); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	alerts := fn.withKeyPrefix("milestone:")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Target.ChatID != "-999" {
		t.Fatalf("alert went to %q, want override channel", a.Target.ChatID)
	}
	if !strings.Contains(a.Text, "@everyone") {
		t.Fatalf("ping not appended: %q", a.Text)
	}

	// Clearing the config falls back to the item's alert channel.
	if err := svc.ClearMilestone(ctx, actor, "v1", tenant); err != nil {
		t.Fatalf("ClearMilestone: %v", err)
	}
	src.set("v1", 2000001)
	if _, err := svc.runSweep(ctx, "manual", ""); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	alerts = fn.withKeyPrefix("milestone:")
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[1].Target.ChatID != "-100" {
		t.Fatalf("cleared config still routed to %q", alerts[1].Target.ChatID)
	}
}

func TestLiveViewsAndStatus(t *testing.T) {
	ctx := context.Background()
	tenant := "telegram:-100"
	src := &fakeSource{views: map[string]int64{"v1": 4242}}
	svc, st, _, _ := newTestTracker(t, src)
	seedItem(t, st, "v1", tenant)

	it, views, err := svc.LiveViews(ctx, "v1", tenant)
	if err != nil || views != 4242 || it.ItemID != "v1" {
		t.Fatalf("LiveViews = (%+v, %d, %v)", it, views, err)
	}
	if _, _, err := svc.LiveViews(ctx, "nope", tenant); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown item: %v", err)
	}

	st2, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st2.Items != 1 || st2.Tenants != 1 {
		t.Fatalf("status counts = %+v", st2)
	}
	if st2.Step != 1000000 || st2.Window != 100000 {
		t.Fatalf("status defaults = %+v", st2)
	}
	if st2.NextCheckpoint.IsZero() {
		t.Fatalf("no next checkpoint computed")
	}
}
