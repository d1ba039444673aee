package scheduler

// Snapshot returns a point-in-time view of the scheduler for status commands
// and health endpoints. History is returned newest-first.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.cfg.Timezone,
		Workers:  s.cfg.Workers,
	}
	if snap.Workers <= 0 {
		snap.Workers = 2
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	snap.Schedules = make([]ScheduleInfo, 0, len(s.defs))
	for i := range s.defs {
		d := &s.defs[i]
		info := ScheduleInfo{
			ID:      d.id,
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		snap.History = append(snap.History, s.history[i])
	}
	s.hmu.Unlock()

	return snap
}
