package tracker

import (
	"context"
	"errors"
	"time"

	"trackbot/internal/observability/metrics"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// intervalTick fires every item whose custom schedule is due. Due rows are
// found by plain comparison against next_due_at, so a missed tick costs
// one tick of delay, nothing more.
func (s *Service) intervalTick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	due, err := s.deps.Store.DueIntervals(ctx, now)
	if err != nil {
		s.log.Error("due interval query failed", logx.Err(err))
		return
	}
	for _, st := range due {
		if ctx.Err() != nil {
			return
		}
		s.runIntervalCheck(ctx, cfg, st, now)
	}
}

// runIntervalCheck performs one custom-interval fire. The next due time is
// anchored to the actual fire time, so downtime shifts the grid forward
// instead of producing catch-up storms.
func (s *Service) runIntervalCheck(ctx context.Context, cfg Config, st storage.IntervalState, now time.Time) {
	log := s.log.With(logx.String("item", st.ItemID), logx.String("tenant", st.Tenant))

	it, err := s.deps.Store.GetItem(ctx, st.ItemID, st.Tenant)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("interval item load failed", logx.Err(err))
		}
		return
	}

	views, err := s.measure(ctx, st.ItemID)
	if err != nil {
		// A transient failure keeps the due time so the next tick retries.
		// A definitive not-found defers a full interval instead of
		// re-probing a dead id every few minutes.
		if errors.Is(err, youtube.ErrNotFound) {
			if serr := s.deps.Store.SetInterval(ctx, st.ItemID, st.Tenant, st.Interval, now.Add(st.Interval)); serr != nil {
				log.Error("defer interval failed", logx.Err(serr))
			}
		}
		log.Warn("interval fetch failed", logx.Err(err))
		return
	}

	if err := s.deps.Store.CompleteIntervalRun(ctx, st.ItemID, st.Tenant, views, now, now.Add(st.Interval), cfg.SampleHistory); err != nil {
		log.Error("interval run persist failed", logx.Err(err))
		return
	}
	metrics.IntervalRunsTotal.Inc()

	if _, err := s.evaluateMilestone(ctx, log, cfg, it, views); err != nil {
		log.Error("milestone evaluation failed", logx.Err(err))
	}

	s.sendIntervalUpdate(ctx, it, st, views)
}

// sendIntervalUpdate emits the net-change message, with a rate estimate
// when the sample window has one.
func (s *Service) sendIntervalUpdate(ctx context.Context, it storage.TrackedItem, st storage.IntervalState, views int64) {
	if s.deps.Notifier == nil {
		return
	}
	target, err := kit.ParseChatRef(it.AlertChannel, kit.PlatformTelegram)
	if err != nil {
		s.log.Warn("bad alert channel",
			logx.String("item", it.ItemID), logx.String("ref", it.AlertChannel), logx.Err(err))
		return
	}

	samples, err := s.deps.Store.ListSamples(ctx, it.ItemID, it.Tenant)
	if err != nil {
		s.log.Warn("sample load failed", logx.String("item", it.ItemID), logx.Err(err))
	}
	rate, hasRate := estimateRate(samples)

	var net int64
	if st.HasMeasurement {
		net = views - st.LastMeasurement
	}
	msg := intervalMessage(target.Platform, it, views, net, st.HasMeasurement, rate, hasRate)
	if err := s.deps.Notifier.Notify(ctx, kit.Notification{
		Priority: 3,
		Target:   target,
		Text:     msg.Text,
		Options:  msg.Opt,
	}); err != nil {
		s.log.Warn("interval update enqueue failed", logx.String("item", it.ItemID), logx.Err(err))
	}
}
