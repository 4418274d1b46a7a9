package scheduler

import (
	"errors"
	"time"

	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// reportSubmitError logs a timer whose job could not be queued. The sweeper
// picks the reminder up on its next pass, so this is never fatal.
func (s *Service) reportSubmitError(id string, err error) {
	// Already queued by the sweeper or an earlier timer.
	if errors.Is(err, engine.ErrDuplicate) {
		s.log.Debug("timer job already pending", logx.ReminderID(id))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	throttled := !s.lastWarn.IsZero() && now.Sub(s.lastWarn) < submitWarnThrottle
	if !throttled {
		s.lastWarn = now
	}
	s.warnMu.Unlock()
	if throttled {
		return
	}
	s.log.Warn("timer could not queue delivery; sweeper will retry", logx.ReminderID(id), logx.Err(err))
}
