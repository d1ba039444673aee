package tracker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"trackbot/internal/eventbus"
	"trackbot/internal/services/scheduler"
	logx "trackbot/pkg/logx"
)

const (
	jobCheckpoint = "tracker.checkpoint"
	jobInterval   = "tracker.interval"

	// passTimeout bounds one checkpoint or interval pass end to end.
	passTimeout = 15 * time.Minute
)

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "tracker"))
	return &Service{
		log:  log,
		bus:  bus,
		cfg:  normalizeConfig(cfg, log),
		deps: deps,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// location is the canonical timezone for every checkpoint decision.
func (s *Service) location() *time.Location {
	if s.deps.Scheduler != nil {
		return s.deps.Scheduler.Location()
	}
	return time.Local
}

// Apply updates cfg. Checkpoint, step and window changes take effect on
// the next tick without re-registration; a changed interval tick re-adds
// the job while running.
func (s *Service) Apply(cfg Config) {
	cfg = normalizeConfig(cfg, s.log)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if running && prev.IntervalTick != cfg.IntervalTick {
		s.registerIntervalJob(cfg.IntervalTick)
	}
}

// Start registers the two scheduler jobs. The checkpoint decision runs on
// a one-minute tick; the per-date claim in the store keeps duplicate
// ticks, clock jitter and restarts from double-firing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.deps.Store == nil || s.deps.Source == nil || s.deps.Scheduler == nil {
		s.mu.Unlock()
		s.log.Error("tracker cannot start: store, source and scheduler are required")
		return
	}
	s.running = true
	cfg := s.cfg
	s.mu.Unlock()

	if _, err := s.deps.Scheduler.AddCronOpt(jobCheckpoint, "* * * * *", passTimeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			// Tick failures are handled internally; a retry a few seconds
			// later could land in the wrong minute.
			s.checkpointTick(ctx, time.Now())
			return nil
		},
	); err != nil {
		s.log.Error("register checkpoint job failed", logx.Err(err))
	}
	s.registerIntervalJob(cfg.IntervalTick)

	s.log.Info("tracker started",
		logx.String("checkpoints", strings.Join(cfg.Checkpoints, ",")),
		logx.String("timezone", s.location().String()),
		logx.Int64("step", cfg.Step),
		logx.Int64("window", cfg.ProximityWindow),
		logx.Duration("interval_tick", cfg.IntervalTick),
	)
}

func (s *Service) registerIntervalJob(every time.Duration) {
	if _, err := s.deps.Scheduler.AddIntervalOpt(jobInterval, every, passTimeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			s.intervalTick(ctx, time.Now())
			return nil
		},
	); err != nil {
		s.log.Error("register interval job failed", logx.Err(err))
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Remove(jobCheckpoint)
		s.deps.Scheduler.Remove(jobInterval)
	}
	s.log.Info("tracker stopped")
}

// Status collects the operational snapshot for /status.
func (s *Service) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	s.mu.Unlock()

	st := Status{
		Running:     running,
		Checkpoints: append([]string(nil), cfg.Checkpoints...),
		Step:        cfg.Step,
		Window:      cfg.ProximityWindow,
	}
	st.NextCheckpoint = nextCheckpoint(time.Now().In(s.location()), cfg.Checkpoints)

	items, err := s.deps.Store.ListAllItems(ctx)
	if err != nil {
		return st, fmt.Errorf("list items: %w", err)
	}
	st.Items = len(items)
	tenants, err := s.deps.Store.ListTenants(ctx)
	if err != nil {
		return st, fmt.Errorf("list tenants: %w", err)
	}
	st.Tenants = len(tenants)

	s.smu.Lock()
	st.LastSweep = s.lastSweep
	s.smu.Unlock()
	return st, nil
}

// nextCheckpoint returns the earliest mark strictly after now.
func nextCheckpoint(now time.Time, checkpoints []string) time.Time {
	var best time.Time
	for _, cp := range checkpoints {
		h, m, err := splitHHMM(cp)
		if err != nil {
			continue
		}
		cand := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if !cand.After(now) {
			cand = cand.AddDate(0, 0, 1)
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	return best
}

// normalizeConfig applies defaults and canonicalizes checkpoint marks to
// zero-padded HH:MM, dropping invalid entries and duplicates.
func normalizeConfig(cfg Config, log logx.Logger) Config {
	cfg = cfg.withDefaults()
	out := make([]string, 0, len(cfg.Checkpoints))
	seen := make(map[string]bool, len(cfg.Checkpoints))
	for _, raw := range cfg.Checkpoints {
		h, m, err := splitHHMM(raw)
		if err != nil {
			log.Warn("ignoring invalid checkpoint", logx.String("checkpoint", raw), logx.Err(err))
			continue
		}
		cp := fmt.Sprintf("%02d:%02d", h, m)
		if !seen[cp] {
			seen[cp] = true
			out = append(out, cp)
		}
	}
	if len(out) == 0 {
		out = []string{"00:00", "12:00", "17:00"}
	}
	sort.Strings(out)
	cfg.Checkpoints = out
	return cfg
}

func splitHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}
