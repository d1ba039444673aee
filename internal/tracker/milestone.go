package tracker

import (
	"context"
	"fmt"
	"strings"

	"trackbot/internal/observability/metrics"
	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// evaluateMilestone advances the watermark for one measurement. The store
// primitive serializes concurrent callers, so at most one of them gets the
// claim and sends the alert; everyone else sees a noop.
func (s *Service) evaluateMilestone(ctx context.Context, log logx.Logger, cfg Config, it storage.TrackedItem, views int64) (bool, error) {
	step := views / cfg.Step
	outcome, err := s.deps.Store.AdvanceMilestone(ctx, it.ItemID, it.Tenant, step)
	if err != nil {
		return false, fmt.Errorf("advance milestone: %w", err)
	}
	switch outcome {
	case storage.AdvancePrimed:
		metrics.MilestonesPrimedTotal.Inc()
		log.Debug("milestone watermark primed",
			logx.String("item", it.ItemID), logx.String("tenant", it.Tenant), logx.Int64("step", step))
		return false, nil
	case storage.AdvanceClaimed:
		metrics.MilestonesCrossedTotal.Inc()
		s.sendMilestoneAlert(ctx, log, cfg, it, views, step)
		return true, nil
	default:
		return false, nil
	}
}

// sendMilestoneAlert delivers the one alert this caller claimed. The dedup
// key mirrors the watermark identity so a redelivered claim stays silent.
func (s *Service) sendMilestoneAlert(ctx context.Context, log logx.Logger, cfg Config, it storage.TrackedItem, views, step int64) {
	if s.deps.Notifier == nil {
		return
	}

	ms, err := s.deps.Store.GetMilestone(ctx, it.ItemID, it.Tenant)
	if err != nil {
		log.Error("load milestone config failed", logx.String("item", it.ItemID), logx.Err(err))
		ms = storage.Milestone{}
	}
	ref := strings.TrimSpace(ms.NotifyChannel)
	if ref == "" {
		ref = it.AlertChannel
	}
	target, err := kit.ParseChatRef(ref, kit.PlatformTelegram)
	if err != nil {
		log.Warn("bad milestone channel",
			logx.String("item", it.ItemID), logx.String("ref", ref), logx.Err(err))
		return
	}

	threshold := step * cfg.Step
	msg := milestoneMessage(target.Platform, it, views, threshold, ms.NotifyMessage)
	if err := s.deps.Notifier.Notify(ctx, kit.Notification{
		Priority: 4,
		Target:   target,
		Text:     msg.Text,
		Options:  msg.Opt,
		Key:      fmt.Sprintf("milestone:%s:%s:%d", it.ItemID, it.Tenant, step),
	}); err != nil {
		log.Warn("milestone alert enqueue failed", logx.String("item", it.ItemID), logx.Err(err))
		return
	}
	log.Info("milestone crossed",
		logx.String("item", it.ItemID),
		logx.String("tenant", it.Tenant),
		logx.Int64("threshold", threshold),
		logx.Int64("views", views),
	)
}
