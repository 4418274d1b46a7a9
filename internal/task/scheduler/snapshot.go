package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: "UTC"}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.jobs {
		info := JobInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	snap.Armed = len(s.timers)
	var next time.Time
	for _, a := range s.timers {
		if next.IsZero() || a.due.Before(next) {
			next = a.due
		}
	}
	snap.NextDue = next
	s.tmu.Unlock()

	snap.Fired = s.fired.Load()
	snap.Superseded = s.superseded.Load()
	return snap
}
