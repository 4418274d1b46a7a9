package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "reminderd/pkg/logx"
)

// AddSchedule registers run under a schedule string accepted by
// ParseSchedule (cron expression or interval).
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, run)
	}
	return s.AddCron(name, ps.Cron, timeout, run)
}

// AddCron registers run on a cron spec in the scheduler's timezone.
// Registering an existing name replaces it.
func (s *Service) AddCron(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return s.add(&jobDef{name: name, spec: spec, timeout: timeout, run: run})
}

// AddInterval registers run every interval. The first run is delayed by a
// random startup jitter so jobs registered together do not fire together.
func (s *Service) AddInterval(name string, every, timeout time.Duration, run func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(&jobDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, run: run})
}

func (s *Service) add(d *jobDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("job name required")
	}
	if d.run == nil {
		return errors.New("job func required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.jobs = append(s.jobs, d)
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	s.log.Debug("housekeeping job registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("jitter", d.jitter))
	return nil
}

// Remove unregisters the named job.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.jobs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.jobs[n] = d
		n++
	}
	s.jobs = s.jobs[:n]
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	base := s.ctx
	job := cron.FuncJob(func() { s.runJob(base, d) })
	if d.every > 0 {
		sched, jitter := spreadInterval(d.every, time.Now().In(s.loc), s.cfg.StartupJitter, d.name)
		d.jitter = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// runJob must not take s.mu: Apply holds it while waiting for running jobs.
func (s *Service) runJob(base context.Context, d *jobDef) {
	if base == nil || base.Err() != nil {
		return
	}
	ctx, cancel := base, context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
	}
	defer cancel()

	start := time.Now()
	if err := d.run(ctx); err != nil {
		s.log.Warn("housekeeping job failed", logx.String("name", d.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("housekeeping job done", logx.String("name", d.name), logx.Duration("dur", time.Since(start)))
}
