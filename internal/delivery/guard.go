// Package delivery owns the claim-and-dispatch sequence that makes reminder
// delivery at-most-once.
//
// Every path that wants a reminder sent (timer fire, sweeper pass) ends in
// Guard.Deliver. The only way into in_progress is the store's atomic Claim,
// which also refuses a reminder whose due_at is still ahead, so of any
// number of concurrent callers exactly one dispatches; the rest see a
// conflict and skip.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// finalizeTimeout bounds the done/error write after a dispatch. It runs on a
// context detached from the job so a job timeout cannot strand the claim.
const finalizeTimeout = 10 * time.Second

var ErrNotRevertible = errors.New("delivery: reminder is not in error or in_progress")

// Dispatcher sends one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, m transport.Message) error
}

type Outcome int

const (
	// OutcomeSkipped means the claim was not won (already claimed, done,
	// cancelled or missing) or could not be attempted.
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

type Guard struct {
	store storage.Store
	disp  Dispatcher
	log   logx.Logger
	bus   eventbus.Bus
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Guard)

// WithLocation sets the zone due times are shown in.
func WithLocation(loc *time.Location) Option {
	return func(g *Guard) {
		if loc != nil {
			g.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(store storage.Store, disp Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	g := &Guard{store: store, disp: disp, log: log, bus: bus, loc: time.UTC, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Deliver claims id and dispatches it. A lost claim, or a reminder whose
// due_at moved past now, is not an error.
// Dispatch failure moves the reminder to error and is returned; there is no
// automatic retry.
func (g *Guard) Deliver(ctx context.Context, id string) (Outcome, error) {
	r, err := g.store.Claim(ctx, id, g.now())
	switch {
	case errors.Is(err, storage.ErrNotDue):
		// Rescheduled after this job was queued; the re-armed timer owns
		// the new due time.
		g.log.Debug("claim skipped; reminder not due", logx.ReminderID(id))
		return OutcomeSkipped, nil
	case errors.Is(err, storage.ErrStatusConflict), errors.Is(err, storage.ErrNotFound):
		g.log.Debug("claim lost", logx.ReminderID(id), logx.Err(err))
		g.publish(eventbus.ReminderRaceLost, id, nil)
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("claim %s: %w", id, err)
	}
	g.publish(eventbus.ReminderClaimed, id, nil)

	sendErr := g.disp.Dispatch(ctx, Message(r, g.loc))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if sendErr != nil {
		return OutcomeFailed, g.markFailed(fctx, r, sendErr)
	}
	return OutcomeDelivered, g.markDone(fctx, r)
}

func (g *Guard) markDone(ctx context.Context, r reminder.Reminder) error {
	at := g.now()
	done, err := g.store.Transition(ctx, r.ID, reminder.StatusInProgress, reminder.StatusDone, func(r *reminder.Reminder) {
		r.CompletedAt = reminder.TimePtr(at)
		r.Error = ""
	})
	if err != nil {
		// The notification went out; only the bookkeeping is missing. The
		// claim stays in_progress so the stale policy surfaces it.
		g.log.Error("reminder sent but not marked done", logx.ReminderID(r.ID), logx.Err(err))
		return fmt.Errorf("mark %s done: %w", r.ID, err)
	}
	if err := g.store.AppendHistory(ctx, reminder.NewHistory(done, reminder.EventCompleted, done.DueAt, at)); err != nil {
		g.log.Warn("history append failed", logx.ReminderID(r.ID), logx.Err(err))
	}
	g.log.Info("reminder delivered",
		logx.ReminderID(r.ID),
		logx.String("requester", r.Requester),
		logx.Duration("late", at.Sub(r.DueAt).Round(time.Millisecond)),
	)
	g.publish(eventbus.ReminderDelivered, r.ID, map[string]any{"late_ms": at.Sub(r.DueAt).Milliseconds()})
	return nil
}

func (g *Guard) markFailed(ctx context.Context, r reminder.Reminder, sendErr error) error {
	at := g.now()
	_, err := g.store.Transition(ctx, r.ID, reminder.StatusInProgress, reminder.StatusError, func(r *reminder.Reminder) {
		r.Error = sendErr.Error()
		r.ErrorAt = reminder.TimePtr(at)
	})
	if err != nil {
		g.log.Error("dispatch failed and error status not recorded", logx.ReminderID(r.ID), logx.Err(err), logx.String("dispatch_err", sendErr.Error()))
		return errors.Join(fmt.Errorf("dispatch %s: %w", r.ID, sendErr), err)
	}
	g.log.Warn("reminder dispatch failed", logx.ReminderID(r.ID), logx.String("requester", r.Requester), logx.Err(sendErr))
	g.publish(eventbus.ReminderFailed, r.ID, map[string]any{"error": sendErr.Error()})
	return fmt.Errorf("dispatch %s: %w", r.ID, sendErr)
}

// Revert returns an errored or stuck reminder to pending so it is delivered
// again. The caller re-arms its timer.
func (g *Guard) Revert(ctx context.Context, id string) (reminder.Reminder, error) {
	cur, err := g.store.Get(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if cur.Status != reminder.StatusError && cur.Status != reminder.StatusInProgress {
		return reminder.Reminder{}, fmt.Errorf("%w: %s is %s", ErrNotRevertible, id, cur.Status)
	}
	r, err := g.store.Transition(ctx, id, cur.Status, reminder.StatusPending, func(r *reminder.Reminder) {
		r.ProcessingStartedAt = nil
		r.StaleFlaggedAt = nil
		r.Error = ""
	})
	if err != nil {
		return reminder.Reminder{}, err
	}
	g.log.Info("reminder reverted to pending", logx.ReminderID(id), logx.String("from", string(cur.Status)))
	g.publish(eventbus.ReminderReverted, id, map[string]any{"from": string(cur.Status)})
	return r, nil
}

// Job wraps Deliver for the worker pool, keyed by reminder id so a timer
// and a sweep cannot queue the same reminder twice.
func (g *Guard) Job(id string) engine.Job {
	return engine.Job{
		Key:  id,
		Name: "deliver",
		Run: func(ctx context.Context) error {
			_, err := g.Deliver(ctx, id)
			return err
		},
	}
}

func (g *Guard) publish(typ, id string, data any) {
	g.bus.Publish(eventbus.Event{Type: typ, Time: g.now(), ReminderID: id, Data: data})
}
