package digest

import (
	"fmt"
	"time"
	logx "trackbot/pkg/logx"

	kit "trackbot/internal/transport"
)

// Enqueue queues one tenant's batch: lines are sent in order, followed by
// ping when it is non-empty and at least one line was queued. Returns the
// job id for status queries.
func (s *Service) Enqueue(tenant string, target kit.ChatTarget, lines []string, ping string, opt *kit.SendOptions) string {
	now := time.Now()
	id := fmt.Sprintf("dg:%d", now.UnixNano())
	s.pruneStatus(now)
	st := &JobStatus{ID: id, Tenant: tenant, Total: len(lines), CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		select {
		case q <- job{id: id, tenant: tenant, target: target, lines: lines, ping: ping, opt: opt}:
			s.log.Debug("digest job enqueued",
				logx.String("job", id), logx.String("tenant", tenant), logx.Int("lines", len(lines)),
				logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		default:
			s.log.Warn("digest queue full; dropping job",
				logx.String("job", id), logx.String("tenant", tenant),
				logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
			s.statusMu.Lock()
			if st := s.status[id]; st != nil {
				st.DoneAt = time.Now()
				st.Running = false
				st.Aborted = true
				st.Error = "queue full"
			}
			s.statusMu.Unlock()
		}
	} else {
		s.log.Debug("digest not running; dropping job", logx.String("job", id), logx.String("tenant", tenant))
		s.statusMu.Lock()
		if st := s.status[id]; st != nil {
			st.DoneAt = time.Now()
			st.Running = false
			st.Aborted = true
			st.Error = "not running"
		}
		s.statusMu.Unlock()
	}
	return id
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}
