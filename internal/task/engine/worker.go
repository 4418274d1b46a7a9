package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

// worker runs jobs until the queue is closed and drained or ctx ends.
func (s *Service) worker(ctx context.Context, queue <-chan queuedJob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qj, ok := <-queue:
			if !ok {
				return nil
			}
			s.exec(ctx, qj)
		}
	}
}

func (s *Service) exec(ctx context.Context, qj queuedJob) {
	j := qj.job
	defer s.release(j.Key)

	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = s.cfg.JobTimeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	s.inFlight.Add(1)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked",
					logx.String("job", j.Name),
					logx.ReminderID(j.Key),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		return j.Run(runCtx)
	}()
	s.inFlight.Add(-1)
	cancel()

	dur := time.Since(start)
	item := HistoryItem{Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("job failed",
			logx.String("job", j.Name),
			logx.ReminderID(j.Key),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, ReminderID: j.Key, Data: JobEvent{Key: j.Key, Name: j.Name, Error: item.Error}})
	} else {
		s.completed.Add(1)
		s.log.Debug("job completed", logx.String("job", j.Name), logx.ReminderID(j.Key), logx.Duration("dur", dur))
	}
	s.record(item)
}
