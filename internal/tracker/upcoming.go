package tracker

import (
	"context"
	"fmt"

	"trackbot/internal/observability/metrics"
	"trackbot/internal/render"
	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// qualify applies the proximity rule: an item is upcoming iff
// 0 < remaining <= window, where remaining is the distance to the next
// whole step.
func qualify(it storage.TrackedItem, views int64, cfg Config) (UpcomingEntry, bool) {
	next := (views/cfg.Step + 1) * cfg.Step
	remaining := next - views
	if remaining <= 0 || remaining > cfg.ProximityWindow {
		return UpcomingEntry{}, false
	}
	return UpcomingEntry{
		ItemID:    it.ItemID,
		Title:     it.Title,
		Views:     views,
		Next:      next,
		Remaining: remaining,
	}, true
}

// Upcoming reports this tenant's items inside the proximity window using
// the last stored counts. The post-sweep aggregator uses fresh
// measurements instead; this is the on-demand flavor.
func (s *Service) Upcoming(ctx context.Context, tenant string) ([]UpcomingEntry, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	items, err := s.deps.Store.ListItems(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	out := make([]UpcomingEntry, 0, len(items))
	for _, it := range items {
		if !it.HasCount {
			continue
		}
		if e, ok := qualify(it, it.LastCount, cfg); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// runUpcoming feeds the aggregator for every configured tenant (or one
// tenant after a manual check) from the sweep's measurements.
func (s *Service) runUpcoming(ctx context.Context, log logx.Logger, cfg Config, onlyTenant string, measured map[itemKey]int64) {
	if s.deps.Digests == nil {
		return
	}
	cfgs, err := s.deps.Store.ListUpcomingConfigs(ctx)
	if err != nil {
		log.Error("upcoming config list failed", logx.Err(err))
		return
	}
	for _, uc := range cfgs {
		if onlyTenant != "" && uc.Tenant != onlyTenant {
			continue
		}
		s.upcomingForTenant(ctx, log, cfg, uc, measured)
	}
}

// upcomingForTenant builds this tenant's qualifying lines and enqueues one
// ordered digest batch: per-item lines first, then the trailing ping. The
// digest service owns ordering and failure-abort; tenants never affect
// each other.
func (s *Service) upcomingForTenant(ctx context.Context, log logx.Logger, cfg Config, uc storage.UpcomingConfig, measured map[itemKey]int64) {
	items, err := s.deps.Store.ListItems(ctx, uc.Tenant)
	if err != nil {
		log.Error("upcoming item list failed", logx.String("tenant", uc.Tenant), logx.Err(err))
		return
	}
	target, err := kit.ParseChatRef(uc.ChannelRef, kit.PlatformTelegram)
	if err != nil {
		log.Warn("bad upcoming channel",
			logx.String("tenant", uc.Tenant), logx.String("ref", uc.ChannelRef), logx.Err(err))
		return
	}

	var lines []string
	for _, it := range items {
		views, ok := measured[itemKey{it.ItemID, it.Tenant}]
		if !ok {
			// The fetch failed this sweep; stale counts stay out of the digest.
			continue
		}
		if e, ok := qualify(it, views, cfg); ok {
			lines = append(lines, upcomingLine(target.Platform, e))
		}
	}
	if len(lines) == 0 {
		log.Debug("no upcoming milestones", logx.String("tenant", uc.Tenant))
		return
	}

	opt := render.For(target.Platform).Build().Opt
	id := s.deps.Digests.Enqueue(uc.Tenant, target, lines, uc.PingText, opt)
	metrics.UpcomingDigestsTotal.Inc()
	log.Info("upcoming digest enqueued",
		logx.String("tenant", uc.Tenant), logx.Int("lines", len(lines)), logx.String("job", id))
}
