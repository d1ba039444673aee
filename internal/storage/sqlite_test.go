package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	logx "trackbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "trackbot.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestItemLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	created, err := st.UpsertItem(ctx, TrackedItem{
		ItemID: "vid1", Tenant: "telegram:-100", Title: "First",
		ChannelRef: "telegram:-100", AlertChannel: "telegram:-100",
		AddedBy: "telegram:42",
	})
	if err != nil || !created {
		t.Fatalf("UpsertItem: created=%v err=%v", created, err)
	}

	// Re-add refreshes metadata without creating.
	created, err = st.UpsertItem(ctx, TrackedItem{
		ItemID: "vid1", Tenant: "telegram:-100", Title: "Renamed",
		ChannelRef: "telegram:-100", AlertChannel: "telegram:-200",
	})
	if err != nil || created {
		t.Fatalf("re-upsert: created=%v err=%v", created, err)
	}
	it, err := st.GetItem(ctx, "vid1", "telegram:-100")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Title != "Renamed" || it.AlertChannel != "telegram:-200" {
		t.Fatalf("metadata not refreshed: %+v", it)
	}
	if it.HasCount {
		t.Fatalf("fresh item should have no count")
	}

	// Same item id under another tenant is independent.
	if created, err := st.UpsertItem(ctx, TrackedItem{ItemID: "vid1", Tenant: "slack:C1"}); err != nil || !created {
		t.Fatalf("second tenant: created=%v err=%v", created, err)
	}
	tenants, err := st.ListTenants(ctx)
	if err != nil || len(tenants) != 2 {
		t.Fatalf("ListTenants = %v, %v", tenants, err)
	}

	if err := st.RecordObservation(ctx, "vid1", "telegram:-100", 12345, time.Now()); err != nil {
		t.Fatalf("RecordObservation: %v", err)
	}
	it, _ = st.GetItem(ctx, "vid1", "telegram:-100")
	if !it.HasCount || it.LastCount != 12345 {
		t.Fatalf("observation not stored: %+v", it)
	}

	// Observation for a removed item is silently dropped.
	if err := st.RecordObservation(ctx, "gone", "telegram:-100", 1, time.Now()); err != nil {
		t.Fatalf("RecordObservation on missing item: %v", err)
	}

	if err := st.RemoveItem(ctx, "vid1", "telegram:-100"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if err := st.RemoveItem(ctx, "vid1", "telegram:-100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetItem(ctx, "vid1", "telegram:-100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem after remove err = %v", err)
	}
	// The other tenant's row is untouched.
	if _, err := st.GetItem(ctx, "vid1", "slack:C1"); err != nil {
		t.Fatalf("other tenant affected by remove: %v", err)
	}
}

func TestAdvanceMilestone(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	// First observation primes, never claims.
	out, err := st.AdvanceMilestone(ctx, "v", "tg:1", 12)
	if err != nil || out != AdvancePrimed {
		t.Fatalf("first advance = %v, %v; want primed", out, err)
	}

	// Same step again is a no-op.
	out, err = st.AdvanceMilestone(ctx, "v", "tg:1", 12)
	if err != nil || out != AdvanceNoop {
		t.Fatalf("repeat advance = %v, %v; want noop", out, err)
	}

	// Higher step claims once.
	out, err = st.AdvanceMilestone(ctx, "v", "tg:1", 13)
	if err != nil || out != AdvanceClaimed {
		t.Fatalf("higher advance = %v, %v; want claimed", out, err)
	}
	out, err = st.AdvanceMilestone(ctx, "v", "tg:1", 13)
	if err != nil || out != AdvanceNoop {
		t.Fatalf("replayed advance = %v, %v; want noop", out, err)
	}

	// Lower step never regresses the watermark.
	out, err = st.AdvanceMilestone(ctx, "v", "tg:1", 5)
	if err != nil || out != AdvanceNoop {
		t.Fatalf("lower advance = %v, %v; want noop", out, err)
	}
	m, err := st.GetMilestone(ctx, "v", "tg:1")
	if err != nil || !m.Primed || m.LastCrossed != 13 {
		t.Fatalf("milestone = %+v, %v", m, err)
	}
}

func TestAdvanceMilestoneAfterConfigOnlyRow(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	// Operator configures notify before any observation.
	if err := st.SetMilestoneConfig(ctx, "v", "tg:1", "telegram:-300", "we hit it!"); err != nil {
		t.Fatalf("SetMilestoneConfig: %v", err)
	}
	m, err := st.GetMilestone(ctx, "v", "tg:1")
	if err != nil || m.Primed {
		t.Fatalf("config-only row should be unprimed: %+v, %v", m, err)
	}

	// First observation still primes instead of alerting.
	out, err := st.AdvanceMilestone(ctx, "v", "tg:1", 8)
	if err != nil || out != AdvancePrimed {
		t.Fatalf("advance on config row = %v, %v; want primed", out, err)
	}
	m, _ = st.GetMilestone(ctx, "v", "tg:1")
	if m.NotifyChannel != "telegram:-300" || m.LastCrossed != 8 {
		t.Fatalf("config lost on prime: %+v", m)
	}

	if err := st.ClearMilestoneConfig(ctx, "v", "tg:1"); err != nil {
		t.Fatalf("ClearMilestoneConfig: %v", err)
	}
	m, _ = st.GetMilestone(ctx, "v", "tg:1")
	if m.NotifyChannel != "" || m.NotifyMessage != "" {
		t.Fatalf("config not cleared: %+v", m)
	}
	if !m.Primed || m.LastCrossed != 8 {
		t.Fatalf("clearing config must keep the watermark: %+v", m)
	}
}

func TestAdvanceMilestoneConcurrent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if out, _ := st.AdvanceMilestone(ctx, "v", "tg:1", 11); out != AdvancePrimed {
		t.Fatalf("prime failed: %v", out)
	}

	// Two schedulers race for the same crossing; exactly one claims.
	const racers = 8
	var wg sync.WaitGroup
	claims := make(chan AdvanceOutcome, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := st.AdvanceMilestone(ctx, "v", "tg:1", 12)
			if err != nil {
				t.Errorf("AdvanceMilestone: %v", err)
				return
			}
			claims <- out
		}()
	}
	wg.Wait()
	close(claims)

	var claimed, noop int
	for out := range claims {
		switch out {
		case AdvanceClaimed:
			claimed++
		case AdvanceNoop:
			noop++
		default:
			t.Fatalf("unexpected outcome %v", out)
		}
	}
	if claimed != 1 {
		t.Fatalf("claimed = %d, want exactly 1 (noop = %d)", claimed, noop)
	}
}

func TestRemoveCascadesAndReAddStartsFresh(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if _, err := st.AdvanceMilestone(ctx, "v", "tg:1", 12); err != nil {
		t.Fatalf("AdvanceMilestone: %v", err)
	}
	now := time.Now()
	if err := st.SetInterval(ctx, "v", "tg:1", 2*time.Hour, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if err := st.CompleteIntervalRun(ctx, "v", "tg:1", 100, now, now.Add(2*time.Hour), 10); err != nil {
		t.Fatalf("CompleteIntervalRun: %v", err)
	}

	if err := st.RemoveItem(ctx, "v", "tg:1"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if _, err := st.GetMilestone(ctx, "v", "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("milestone survived remove: %v", err)
	}
	if _, err := st.GetInterval(ctx, "v", "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("interval survived remove: %v", err)
	}
	if ss, _ := st.ListSamples(ctx, "v", "tg:1"); len(ss) != 0 {
		t.Fatalf("samples survived remove: %v", ss)
	}

	// Re-added item must prime from scratch, not inherit the old watermark.
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	out, err := st.AdvanceMilestone(ctx, "v", "tg:1", 3)
	if err != nil || out != AdvancePrimed {
		t.Fatalf("advance after re-add = %v, %v; want primed", out, err)
	}
}

func TestIntervalScheduleAndSamples(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.UpsertItem(ctx, TrackedItem{ItemID: "v", Tenant: "tg:1"}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	base := time.Now().Truncate(time.Second)
	if err := st.SetInterval(ctx, "v", "tg:1", 2*time.Hour, base.Add(-time.Minute)); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}

	due, err := st.DueIntervals(ctx, base)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueIntervals = %v, %v; want 1", due, err)
	}
	if due[0].Interval != 2*time.Hour {
		t.Fatalf("interval = %v", due[0].Interval)
	}

	// Completing the run pushes next_due past now.
	next := base.Add(2 * time.Hour)
	if err := st.CompleteIntervalRun(ctx, "v", "tg:1", 500, base, next, 10); err != nil {
		t.Fatalf("CompleteIntervalRun: %v", err)
	}
	due, _ = st.DueIntervals(ctx, base.Add(time.Minute))
	if len(due) != 0 {
		t.Fatalf("item still due after completion: %v", due)
	}
	due, _ = st.DueIntervals(ctx, next.Add(time.Second))
	if len(due) != 1 {
		t.Fatalf("item not due after interval elapsed")
	}
	ivl, err := st.GetInterval(ctx, "v", "tg:1")
	if err != nil || !ivl.HasMeasurement || ivl.LastMeasurement != 500 {
		t.Fatalf("interval state = %+v, %v", ivl, err)
	}

	// Sample history is bounded; oldest rows fall off.
	for i := 0; i < 15; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if err := st.CompleteIntervalRun(ctx, "v", "tg:1", int64(1000+i), at, at.Add(2*time.Hour), 10); err != nil {
			t.Fatalf("CompleteIntervalRun #%d: %v", i, err)
		}
	}
	samples, err := st.ListSamples(ctx, "v", "tg:1")
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 10 {
		t.Fatalf("samples = %d, want 10", len(samples))
	}
	if samples[len(samples)-1].Measurement != 1014 {
		t.Fatalf("newest sample = %d, want 1014", samples[len(samples)-1].Measurement)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Measurement < samples[i-1].Measurement {
			t.Fatalf("samples out of order: %v", samples)
		}
	}

	// Disable stops scheduling but keeps history for re-enable.
	if err := st.DisableInterval(ctx, "v", "tg:1"); err != nil {
		t.Fatalf("DisableInterval: %v", err)
	}
	due, _ = st.DueIntervals(ctx, base.Add(1000*time.Hour))
	if len(due) != 0 {
		t.Fatalf("disabled interval still due: %v", due)
	}
	samples, _ = st.ListSamples(ctx, "v", "tg:1")
	if len(samples) != 10 {
		t.Fatalf("disable dropped samples: %d", len(samples))
	}
	ivl, _ = st.GetInterval(ctx, "v", "tg:1")
	if ivl.Interval != 0 {
		t.Fatalf("interval not disabled: %v", ivl.Interval)
	}
}

func TestTryClaimCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ok, err := st.TryClaimCheckpoint(ctx, "12:00", "2026-08-23")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	// Second tick in the same minute loses.
	ok, err = st.TryClaimCheckpoint(ctx, "12:00", "2026-08-23")
	if err != nil || ok {
		t.Fatalf("same-date claim = %v, %v; want false", ok, err)
	}
	// A stale date (clock weirdness, replayed tick) never fires.
	ok, err = st.TryClaimCheckpoint(ctx, "12:00", "2026-08-22")
	if err != nil || ok {
		t.Fatalf("older-date claim = %v, %v; want false", ok, err)
	}
	// Next day fires again; other labels are independent.
	ok, err = st.TryClaimCheckpoint(ctx, "12:00", "2026-08-24")
	if err != nil || !ok {
		t.Fatalf("next-day claim = %v, %v; want true", ok, err)
	}
	ok, err = st.TryClaimCheckpoint(ctx, "17:00", "2026-08-23")
	if err != nil || !ok {
		t.Fatalf("other label claim = %v, %v; want true", ok, err)
	}
}

func TestUpcomingConfigCRUD(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.GetUpcomingConfig(ctx, "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
	if err := st.SetUpcomingConfig(ctx, "tg:1", "telegram:-500", "@here milestones ahead"); err != nil {
		t.Fatalf("SetUpcomingConfig: %v", err)
	}
	if err := st.SetUpcomingConfig(ctx, "tg:2", "telegram:-600", ""); err != nil {
		t.Fatalf("SetUpcomingConfig: %v", err)
	}
	c, err := st.GetUpcomingConfig(ctx, "tg:1")
	if err != nil || c.ChannelRef != "telegram:-500" || c.PingText != "@here milestones ahead" {
		t.Fatalf("got %+v, %v", c, err)
	}

	// Upsert replaces.
	if err := st.SetUpcomingConfig(ctx, "tg:1", "telegram:-501", "ping"); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	c, _ = st.GetUpcomingConfig(ctx, "tg:1")
	if c.ChannelRef != "telegram:-501" || c.PingText != "ping" {
		t.Fatalf("upsert did not replace: %+v", c)
	}

	all, err := st.ListUpcomingConfigs(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListUpcomingConfigs = %v, %v", all, err)
	}

	if err := st.DeleteUpcomingConfig(ctx, "tg:1"); err != nil {
		t.Fatalf("DeleteUpcomingConfig: %v", err)
	}
	if err := st.DeleteUpcomingConfig(ctx, "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func TestDedupRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	until := time.Now().Add(time.Minute)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatalf("missing key reported present")
	}
}

func TestAppendAudit(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	err := st.AppendAudit(ctx, AuditEntry{
		Actor:  "telegram:42",
		Tenant: "telegram:-100",
		Action: "track.add",
		Target: "vid1",
		OK:     1,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestOpenRequiresDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
