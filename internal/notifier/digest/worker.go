package digest

import (
	"context"
	"time"
	logx "trackbot/pkg/logx"

	kit "trackbot/internal/transport"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job, idx int) {
	_ = idx
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

// execJob sends j.lines in order, then the trailing ping. The first line that
// still fails after retries aborts the remainder so a tenant never receives a
// ping without its items or a gap in the middle of a batch.
func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id, true)
	defer s.setRunning(j.id, false)

	s.log.Info("digest job started",
		logx.String("job", j.id), logx.String("tenant", j.tenant), logx.Int("lines", len(j.lines)))

	aborted := false
	for _, line := range j.lines {
		if err := s.sendOne(ctx, j, line); err != nil {
			s.markAborted(j.id, err)
			aborted = true
			break
		}
		s.markDone(j.id)
	}
	if !aborted && j.ping != "" && len(j.lines) > 0 {
		if err := s.sendOne(ctx, j, j.ping); err != nil {
			s.markAborted(j.id, err)
			aborted = true
		} else {
			s.markPingSent(j.id)
		}
	}
	s.finish(j.id)

	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("tenant", j.tenant),
		logx.Int("lines", len(j.lines)),
		logx.Duration("dur", time.Since(start)),
	}
	if aborted {
		s.log.Warn("digest job aborted", fields...)
	} else {
		s.log.Info("digest job finished", fields...)
	}
}

func (s *Service) sendOne(ctx context.Context, j job, text string) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	adapter := s.adapters[j.target.Platform]
	s.mu.Unlock()

	if adapter == nil {
		s.log.Warn("digest send skipped: no adapter for platform",
			logx.String("job", j.id), logx.String("platform", j.target.Platform))
		return kit.ErrNoAdapter
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	var last error
	for i := 0; i <= retry; i++ {
		_, err := adapter.SendText(ctx, j.target, text, j.opt)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("digest send retry scheduled",
			logx.String("job", j.id), logx.String("tenant", j.tenant),
			logx.String("chat_id", j.target.ChatID), logx.Int("attempt", i+2),
			logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if last != nil {
		s.log.Warn("digest send failed",
			logx.String("job", j.id), logx.String("tenant", j.tenant),
			logx.String("chat_id", j.target.ChatID), logx.Int("thread_id", j.target.ThreadID), logx.Err(last))
	}
	return last
}

func (s *Service) setRunning(id string, v bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		if v {
			st.StartedAt = time.Now()
			st.Running = true
		}
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markAborted(id string, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Aborted = true
		if err != nil {
			st.Error = err.Error()
		}
	}
}

func (s *Service) markPingSent(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.PingSent = true
	}
}

func (s *Service) finish(id string) {
	now := time.Now()
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
	}
	s.statusMu.Unlock()
	// Keep the map bounded even if nobody queries old job IDs.
	s.pruneStatus(now)
}
