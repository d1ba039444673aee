package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// minInterval is the smallest per-item custom schedule.
const minInterval = time.Hour

// Track registers an item, measuring it once so a bad id fails fast and
// the milestone watermark is primed before the first sweep. Re-tracking
// an existing item refreshes its metadata.
func (s *Service) Track(ctx context.Context, actor Actor, itemID, tenant, title, channelRef, alertRef string) (storage.TrackedItem, bool, error) {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return storage.TrackedItem{}, false, errors.New("empty item id")
	}

	views, err := s.measure(ctx, itemID)
	if err != nil {
		s.audit(ctx, actor, tenant, "track", itemID, start, err)
		return storage.TrackedItem{}, false, fmt.Errorf("measure %s: %w", itemID, err)
	}

	it := storage.TrackedItem{
		ItemID:       itemID,
		Tenant:       tenant,
		Title:        strings.TrimSpace(title),
		ChannelRef:   channelRef,
		AlertChannel: alertRef,
		AddedBy:      actor.Ref,
		AddedAt:      time.Now(),
	}
	created, err := s.deps.Store.UpsertItem(ctx, it)
	if err != nil {
		s.audit(ctx, actor, tenant, "track", itemID, start, err)
		return storage.TrackedItem{}, false, fmt.Errorf("upsert item: %w", err)
	}
	if err := s.deps.Store.RecordObservation(ctx, itemID, tenant, views, time.Now()); err != nil {
		s.audit(ctx, actor, tenant, "track", itemID, start, err)
		return storage.TrackedItem{}, created, fmt.Errorf("record observation: %w", err)
	}

	// First add primes silently; a re-track that crossed a step since the
	// last sweep alerts like any other evaluation.
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if _, err := s.evaluateMilestone(ctx, s.log, cfg, it, views); err != nil {
		s.log.Error("milestone evaluation failed",
			logx.String("item", itemID), logx.String("tenant", tenant), logx.Err(err))
	}

	s.audit(ctx, actor, tenant, "track", itemID, start, nil)
	s.log.Info("item tracked",
		logx.String("item", itemID), logx.String("tenant", tenant),
		logx.Bool("created", created), logx.Int64("views", views))

	it.LastCount = views
	it.HasCount = true
	it.LastChecked = time.Now()
	return it, created, nil
}

// Untrack removes the item and all dependent state.
func (s *Service) Untrack(ctx context.Context, actor Actor, itemID, tenant string) error {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	err := s.deps.Store.RemoveItem(ctx, itemID, tenant)
	s.audit(ctx, actor, tenant, "untrack", itemID, start, err)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	s.log.Info("item untracked", logx.String("item", itemID), logx.String("tenant", tenant))
	return nil
}

// SetMilestone stores the per-item notify channel and ping override.
func (s *Service) SetMilestone(ctx context.Context, actor Actor, itemID, tenant, channelRef, ping string) error {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	err := s.withItem(ctx, itemID, tenant, func() error {
		if ref := strings.TrimSpace(channelRef); ref != "" {
			if _, perr := kit.ParseChatRef(ref, kit.PlatformTelegram); perr != nil {
				return perr
			}
		}
		return s.deps.Store.SetMilestoneConfig(ctx, itemID, tenant, channelRef, ping)
	})
	s.audit(ctx, actor, tenant, "milestone.set", itemID, start, err)
	return err
}

// ClearMilestone drops the notify overrides; the watermark itself stays.
func (s *Service) ClearMilestone(ctx context.Context, actor Actor, itemID, tenant string) error {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	err := s.withItem(ctx, itemID, tenant, func() error {
		return s.deps.Store.ClearMilestoneConfig(ctx, itemID, tenant)
	})
	s.audit(ctx, actor, tenant, "milestone.clear", itemID, start, err)
	return err
}

// SetItemInterval enables the per-item custom schedule. The first fire is
// one full interval from now.
func (s *Service) SetItemInterval(ctx context.Context, actor Actor, itemID, tenant string, every time.Duration) error {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	err := func() error {
		if every < minInterval {
			return fmt.Errorf("interval %s too short, minimum %s", every, minInterval)
		}
		return s.withItem(ctx, itemID, tenant, func() error {
			return s.deps.Store.SetInterval(ctx, itemID, tenant, every, time.Now().Add(every))
		})
	}()
	s.audit(ctx, actor, tenant, "interval.set", itemID, start, err)
	return err
}

// DisableItemInterval stops future fires. Samples survive so re-enabling
// resumes with rate history intact.
func (s *Service) DisableItemInterval(ctx context.Context, actor Actor, itemID, tenant string) error {
	start := time.Now()
	itemID = strings.TrimSpace(itemID)
	err := s.withItem(ctx, itemID, tenant, func() error {
		return s.deps.Store.DisableInterval(ctx, itemID, tenant)
	})
	s.audit(ctx, actor, tenant, "interval.off", itemID, start, err)
	return err
}

// SetUpcoming configures the per-tenant digest destination and ping.
func (s *Service) SetUpcoming(ctx context.Context, actor Actor, tenant, channelRef, ping string) error {
	start := time.Now()
	err := func() error {
		if _, perr := kit.ParseChatRef(channelRef, kit.PlatformTelegram); perr != nil {
			return perr
		}
		return s.deps.Store.SetUpcomingConfig(ctx, tenant, channelRef, ping)
	}()
	s.audit(ctx, actor, tenant, "upcoming.set", channelRef, start, err)
	return err
}

// ClearUpcoming removes the per-tenant digest config.
func (s *Service) ClearUpcoming(ctx context.Context, actor Actor, tenant string) error {
	start := time.Now()
	err := s.deps.Store.DeleteUpcomingConfig(ctx, tenant)
	s.audit(ctx, actor, tenant, "upcoming.clear", "", start, err)
	return err
}

// ForceCheck sweeps one tenant immediately, aggregator included.
func (s *Service) ForceCheck(ctx context.Context, actor Actor, tenant string) (SweepSummary, error) {
	start := time.Now()
	sum, err := s.runSweep(ctx, "manual", tenant)
	s.audit(ctx, actor, tenant, "check", "", start, err)
	return sum, err
}

// LiveViews fetches one tracked item right now without persisting.
func (s *Service) LiveViews(ctx context.Context, itemID, tenant string) (storage.TrackedItem, int64, error) {
	it, err := s.deps.Store.GetItem(ctx, strings.TrimSpace(itemID), tenant)
	if err != nil {
		return storage.TrackedItem{}, 0, err
	}
	views, err := s.measure(ctx, it.ItemID)
	if err != nil {
		return it, 0, fmt.Errorf("measure %s: %w", it.ItemID, err)
	}
	return it, views, nil
}

// Read-side passthroughs for the command surface and the ops CLI.

func (s *Service) Items(ctx context.Context, tenant string) ([]storage.TrackedItem, error) {
	return s.deps.Store.ListItems(ctx, tenant)
}

func (s *Service) Item(ctx context.Context, itemID, tenant string) (storage.TrackedItem, error) {
	return s.deps.Store.GetItem(ctx, strings.TrimSpace(itemID), tenant)
}

func (s *Service) Tenants(ctx context.Context) ([]string, error) {
	return s.deps.Store.ListTenants(ctx)
}

func (s *Service) Milestones(ctx context.Context, tenant string) ([]storage.Milestone, error) {
	return s.deps.Store.ListMilestones(ctx, tenant)
}

func (s *Service) ItemInterval(ctx context.Context, itemID, tenant string) (storage.IntervalState, error) {
	return s.deps.Store.GetInterval(ctx, strings.TrimSpace(itemID), tenant)
}

func (s *Service) UpcomingConfig(ctx context.Context, tenant string) (storage.UpcomingConfig, error) {
	return s.deps.Store.GetUpcomingConfig(ctx, tenant)
}

func (s *Service) withItem(ctx context.Context, itemID, tenant string, fn func() error) error {
	if _, err := s.deps.Store.GetItem(ctx, itemID, tenant); err != nil {
		return err
	}
	return fn()
}

// audit appends one management-action record; failures are logged, never
// surfaced to the operator.
func (s *Service) audit(ctx context.Context, actor Actor, tenant, action, target string, start time.Time, opErr error) {
	e := storage.AuditEntry{
		At:            time.Now(),
		Actor:         actor.Ref,
		ActorUsername: actor.Username,
		Tenant:        tenant,
		Action:        action,
		Target:        target,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if opErr != nil {
		e.Fail = 1
		e.Error = opErr.Error()
	} else {
		e.OK = 1
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
