// Package sweeper reconciles the store with the in-process timers.
//
// Timers are an advisory cache: they may be lost on restart, dropped on a
// full queue, or never armed when a create raced a crash. Each pass submits a
// delivery job for every pending reminder already due, and applies the stale
// policy to claims that have sat in in_progress for too long.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultStaleAfter = 10 * time.Minute
	DefaultBatchSize  = 500

	staleReason = "stale claim"
)

// StalePolicy decides what happens to an in_progress reminder whose claim is
// older than StaleAfter.
type StalePolicy string

const (
	// PolicyFlag records stale_flagged_at once and leaves the status alone.
	PolicyFlag StalePolicy = "flag"
	// PolicyRevert returns the reminder to pending. The notification may
	// already have gone out, so this trades a possible duplicate for
	// liveness.
	PolicyRevert StalePolicy = "revert"
	// PolicyError moves the reminder to error with reason "stale claim".
	PolicyError StalePolicy = "error"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFlag, nil
	case PolicyFlag, PolicyRevert, PolicyError:
		return p, nil
	default:
		return "", fmt.Errorf("sweeper: unknown stale policy %q", s)
	}
}

type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	StalePolicy StalePolicy
	BatchSize   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.StaleAfter < 2*c.Interval {
		c.StaleAfter = 2 * c.Interval
	}
	if c.StalePolicy == "" {
		c.StalePolicy = PolicyFlag
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// JobSource builds the delivery job for a reminder id.
type JobSource interface {
	Job(id string) engine.Job
}

// Submitter queues a job without blocking.
type Submitter func(job engine.Job) error

// Report summarizes one pass.
type Report struct {
	Due       int           `json:"due"`
	Submitted int           `json:"submitted"`
	Queued    int           `json:"already_queued"`
	Dropped   int           `json:"dropped"`
	Stale     int           `json:"stale"`
	Flagged   int           `json:"flagged"`
	Reverted  int           `json:"reverted"`
	Errored   int           `json:"errored"`
	Failures  int           `json:"failures"`
	Took      time.Duration `json:"took"`
}

type Sweeper struct {
	store  storage.Store
	jobs   JobSource
	submit Submitter
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	cfg    atomic.Pointer[Config]
	passes atomic.Uint64
	last   atomic.Pointer[Report]
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, jobs JobSource, submit Submitter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Sweeper{store: store, jobs: jobs, submit: submit, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the config; the next pass uses it. A changed interval takes
// effect once the housekeeping job is re-registered.
func (s *Sweeper) Apply(cfg Config) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
}

func (s *Sweeper) Config() Config { return *s.cfg.Load() }

// LastReport returns the most recent pass, if any.
func (s *Sweeper) LastReport() (Report, bool) {
	if r := s.last.Load(); r != nil {
		return *r, true
	}
	return Report{}, false
}

// Sweep runs one reconciliation pass. Per-reminder failures are counted and
// logged; only a failed listing is returned as an error.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	cfg := s.Config()
	start := time.Now()
	now := s.now()
	var rep Report

	staleErr := s.sweepStale(ctx, cfg, now, &rep)
	dueErr := s.sweepDue(ctx, cfg, now, &rep)
	rep.Took = time.Since(start)

	s.passes.Add(1)
	s.last.Store(&rep)
	s.bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Time: now, Data: rep})

	lvl := s.log.Debug
	if rep.Due > 0 || rep.Stale > 0 || rep.Failures > 0 {
		lvl = s.log.Info
	}
	lvl("sweep done",
		logx.Int("due", rep.Due),
		logx.Int("submitted", rep.Submitted),
		logx.Int("already_queued", rep.Queued),
		logx.Int("dropped", rep.Dropped),
		logx.Int("stale", rep.Stale),
		logx.Int("failures", rep.Failures),
		logx.Duration("took", rep.Took),
	)
	return rep, errors.Join(staleErr, dueErr)
}

func (s *Sweeper) sweepDue(ctx context.Context, cfg Config, now time.Time, rep *Report) error {
	due, err := s.store.List(ctx, storage.Filter{
		Status:    reminder.StatusPending,
		DueBefore: now,
		Limit:     cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("sweeper: list due: %w", err)
	}
	rep.Due = len(due)
	for _, r := range due {
		err := s.submit(s.jobs.Job(r.ID))
		switch {
		case err == nil:
			rep.Submitted++
		case errors.Is(err, engine.ErrDuplicate):
			// The timer got there first.
			rep.Queued++
		case errors.Is(err, engine.ErrQueueFull):
			// Retried on the next pass.
			rep.Dropped++
		default:
			rep.Failures++
			s.log.Warn("sweeper could not queue delivery", logx.ReminderID(r.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Sweeper) sweepStale(ctx context.Context, cfg Config, now time.Time, rep *Report) error {
	stale, err := s.store.List(ctx, storage.Filter{
		Status:        reminder.StatusInProgress,
		ClaimedBefore: now.Add(-cfg.StaleAfter),
		// Flagged claims stay in_progress; without this they would fill
		// every batch and hide newer ones.
		Unflagged: cfg.StalePolicy == PolicyFlag,
		Limit:     cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("sweeper: list stale: %w", err)
	}
	for _, r := range stale {
		rep.Stale++
		if err := s.applyPolicy(ctx, cfg.StalePolicy, r, now, rep); err != nil {
			if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrNotFound) {
				// The claim finished while we looked.
				continue
			}
			rep.Failures++
			s.log.Error("stale policy failed", logx.ReminderID(r.ID), logx.String("policy", string(cfg.StalePolicy)), logx.Err(err))
		}
	}
	return nil
}

func (s *Sweeper) applyPolicy(ctx context.Context, p StalePolicy, r reminder.Reminder, now time.Time, rep *Report) error {
	var claimedFor time.Duration
	if r.ProcessingStartedAt != nil {
		claimedFor = now.Sub(*r.ProcessingStartedAt).Round(time.Second)
	}
	fields := []logx.Field{
		logx.ReminderID(r.ID),
		logx.String("policy", string(p)),
		logx.Duration("claimed_for", claimedFor),
	}

	switch p {
	case PolicyRevert:
		if _, err := s.store.Transition(ctx, r.ID, reminder.StatusInProgress, reminder.StatusPending, func(r *reminder.Reminder) {
			r.ProcessingStartedAt = nil
		}); err != nil {
			return err
		}
		rep.Reverted++
		s.log.Warn("stale claim reverted to pending; a duplicate notification is possible", fields...)
	case PolicyError:
		if _, err := s.store.Transition(ctx, r.ID, reminder.StatusInProgress, reminder.StatusError, func(r *reminder.Reminder) {
			r.Error = staleReason
			r.ErrorAt = reminder.TimePtr(now)
		}); err != nil {
			return err
		}
		rep.Errored++
		s.log.Warn("stale claim moved to error", fields...)
	default:
		if _, err := s.store.Annotate(ctx, r.ID, reminder.StatusInProgress, func(r *reminder.Reminder) {
			if r.StaleFlaggedAt == nil {
				r.StaleFlaggedAt = reminder.TimePtr(now)
			}
		}); err != nil {
			return err
		}
		rep.Flagged++
		s.log.Warn("stale claim flagged; needs operator review", fields...)
	}
	s.bus.Publish(eventbus.Event{
		Type:       eventbus.ReminderStale,
		Time:       now,
		ReminderID: r.ID,
		Data:       map[string]any{"policy": string(p), "claimed_for_s": int64(claimedFor / time.Second)},
	})
	return nil
}

// Passes counts completed sweeps.
func (s *Sweeper) Passes() uint64 { return s.passes.Load() }

// HousekeepingFunc adapts Sweep to the scheduler's job signature.
func (s *Sweeper) HousekeepingFunc() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}
}
