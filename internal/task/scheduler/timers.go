package scheduler

import (
	"context"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Arm sets a single-shot timer for id at due, replacing any previous timer
// for id. A due time in the past fires immediately. Arm reports false when
// the scheduler is not running.
func (s *Service) Arm(id string, due time.Time) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !s.running {
		return false
	}
	s.armLocked(id, due)
	return true
}

func (s *Service) armLocked(id string, due time.Time) {
	if old := s.timers[id]; old != nil {
		old.t.Stop()
	}
	s.seq++
	ver := s.seq
	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	a := &armedTimer{ver: ver, due: due}
	a.t = time.AfterFunc(delay, func() { s.fire(id, ver) })
	s.timers[id] = a
}

// Disarm stops id's timer. It reports whether one was armed.
func (s *Service) Disarm(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a := s.timers[id]
	if a == nil {
		return false
	}
	a.t.Stop()
	delete(s.timers, id)
	return true
}

// Armed reports id's armed due time.
func (s *Service) Armed(id string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a := s.timers[id]
	if a == nil {
		return time.Time{}, false
	}
	return a.due, true
}

// fire runs on the timer goroutine. time.Timer.Stop cannot recall a
// callback that has already started, so the version check is what makes
// replacement and Disarm safe.
func (s *Service) fire(id string, ver uint64) {
	s.tmu.Lock()
	a := s.timers[id]
	if a == nil || a.ver != ver {
		s.tmu.Unlock()
		s.superseded.Add(1)
		return
	}
	delete(s.timers, id)
	s.tmu.Unlock()

	s.fired.Add(1)
	s.log.Debug("timer fired", logx.ReminderID(id))
	if err := s.submit(id); err != nil {
		s.reportSubmitError(id, err)
	}
}

// Rebuild replaces the timer set with one timer per pending reminder.
func (s *Service) Rebuild(ctx context.Context, store Lister) (int, error) {
	pending, err := store.List(ctx, storage.Filter{Status: reminder.StatusPending})
	if err != nil {
		return 0, err
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !s.running {
		return 0, nil
	}
	keep := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		keep[r.ID] = struct{}{}
		if a := s.timers[r.ID]; a != nil && a.due.Equal(r.DueAt) {
			continue
		}
		s.armLocked(r.ID, r.DueAt)
	}
	for id, a := range s.timers {
		if _, ok := keep[id]; !ok {
			a.t.Stop()
			delete(s.timers, id)
		}
	}
	s.log.Info("timers rebuilt", logx.Int("armed", len(s.timers)))
	return len(pending), nil
}
