package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackbot/internal/eventbus"
	"trackbot/internal/observability/metrics"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// sweepWorkers bounds the sweep fan-out. The source client's semaphore is
// the real in-flight limit; this only caps idle goroutines.
const sweepWorkers = 8

// checkpointTick compares the canonical wall clock to the configured marks
// and claims at most one sweep per (mark, date).
func (s *Service) checkpointTick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	local := now.In(s.location())
	hhmm := local.Format("15:04")

	label := ""
	for _, cp := range cfg.Checkpoints {
		if cp == hhmm {
			label = cp
			break
		}
	}
	if label == "" {
		return
	}

	date := local.Format("2006-01-02")
	won, err := s.deps.Store.TryClaimCheckpoint(ctx, label, date)
	if err != nil {
		s.log.Error("checkpoint claim failed",
			logx.String("checkpoint", label), logx.String("date", date), logx.Err(err))
		return
	}
	if !won {
		s.log.Debug("checkpoint already fired",
			logx.String("checkpoint", label), logx.String("date", date))
		return
	}
	_, _ = s.runSweep(ctx, "checkpoint:"+label, "")
}

// runSweep fetches every tracked item (one tenant when tenant is set),
// records observations, advances milestones and feeds the upcoming
// aggregator from the same measurements. Item failures are isolated and
// counted; nothing aborts the sweep short of a store listing failure.
func (s *Service) runSweep(ctx context.Context, trigger, tenant string) (SweepSummary, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	log := s.log.With(
		logx.String("sweep", uuid.NewString()[:8]),
		logx.String("trigger", trigger),
	)

	var (
		items []storage.TrackedItem
		err   error
	)
	if tenant == "" {
		items, err = s.deps.Store.ListAllItems(ctx)
	} else {
		items, err = s.deps.Store.ListItems(ctx, tenant)
	}
	if err != nil {
		log.Error("sweep aborted: list items failed", logx.Err(err))
		return SweepSummary{}, fmt.Errorf("list items: %w", err)
	}

	start := time.Now()
	log.Info("sweep started", logx.Int("items", len(items)))

	var (
		mu       sync.Mutex
		measured = make(map[itemKey]int64, len(items))
		errCount int
		crossed  int
	)

	workers := sweepWorkers
	if len(items) < workers {
		workers = len(items)
	}
	jobs := make(chan storage.TrackedItem)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				views, didCross, ierr := s.sweepItem(ctx, log, cfg, it)
				mu.Lock()
				if ierr != nil {
					errCount++
				} else {
					measured[itemKey{it.ItemID, it.Tenant}] = views
					if didCross {
						crossed++
					}
				}
				mu.Unlock()
			}
		}()
	}
feed:
	for _, it := range items {
		select {
		case jobs <- it:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	dur := time.Since(start)
	kind := "checkpoint"
	if !strings.HasPrefix(trigger, "checkpoint") {
		kind = "manual"
	}
	metrics.SweepRunsTotal.WithLabelValues(kind).Inc()
	metrics.SweepDuration.Observe(dur.Seconds())
	if tenant == "" {
		metrics.TrackedItems.Set(float64(len(items)))
	}

	if ctx.Err() == nil {
		s.runUpcoming(ctx, log, cfg, tenant, measured)
	}

	sum := SweepSummary{
		At:       start,
		Trigger:  trigger,
		Items:    len(items),
		Errors:   errCount,
		Crossed:  crossed,
		Duration: dur,
	}
	s.smu.Lock()
	s.lastSweep = sum
	s.smu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "tracker.sweep", Data: sum})
	}

	log.Info("sweep finished",
		logx.Int("items", len(items)),
		logx.Int("errors", errCount),
		logx.Int("crossed", crossed),
		logx.Duration("took", dur),
	)
	return sum, nil
}

// sweepItem handles one item: fetch, persist, milestone, update message.
// Nothing is written unless the fetch succeeded.
func (s *Service) sweepItem(ctx context.Context, log logx.Logger, cfg Config, it storage.TrackedItem) (int64, bool, error) {
	views, err := s.measure(ctx, it.ItemID)
	if err != nil {
		log.Warn("fetch failed, item skipped",
			logx.String("item", it.ItemID), logx.String("tenant", it.Tenant), logx.Err(err))
		metrics.SweepItemErrorsTotal.Inc()
		return 0, false, err
	}
	if err := s.deps.Store.RecordObservation(ctx, it.ItemID, it.Tenant, views, time.Now()); err != nil {
		log.Error("record observation failed",
			logx.String("item", it.ItemID), logx.String("tenant", it.Tenant), logx.Err(err))
		metrics.SweepItemErrorsTotal.Inc()
		return 0, false, err
	}

	// The observation is durable from here on; a milestone or delivery
	// problem only loses a message, never a measurement.
	crossed, err := s.evaluateMilestone(ctx, log, cfg, it, views)
	if err != nil {
		log.Error("milestone evaluation failed",
			logx.String("item", it.ItemID), logx.String("tenant", it.Tenant), logx.Err(err))
	}

	s.sendUpdate(ctx, it, views)
	return views, crossed, nil
}

// measure times one fetch and classifies the outcome for metrics.
func (s *Service) measure(ctx context.Context, itemID string) (int64, error) {
	start := time.Now()
	views, err := s.deps.Source.FetchViews(ctx, itemID)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.FetchesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, youtube.ErrNotFound):
		metrics.FetchesTotal.WithLabelValues("not_found").Inc()
	default:
		metrics.FetchesTotal.WithLabelValues("error").Inc()
	}
	return views, err
}

// sendUpdate emits the per-item sweep report to the item's alert channel.
func (s *Service) sendUpdate(ctx context.Context, it storage.TrackedItem, views int64) {
	if s.deps.Notifier == nil {
		return
	}
	target, err := kit.ParseChatRef(it.AlertChannel, kit.PlatformTelegram)
	if err != nil {
		s.log.Warn("bad alert channel",
			logx.String("item", it.ItemID), logx.String("ref", it.AlertChannel), logx.Err(err))
		return
	}
	msg := updateMessage(target.Platform, it, views)
	if err := s.deps.Notifier.Notify(ctx, kit.Notification{
		Priority: 3,
		Target:   target,
		Text:     msg.Text,
		Options:  msg.Opt,
	}); err != nil {
		s.log.Warn("update enqueue failed", logx.String("item", it.ItemID), logx.Err(err))
	}
}
