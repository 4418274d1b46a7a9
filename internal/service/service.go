// Package service exposes the reminder operations to the outer surfaces
// (HTTP, MCP, inbound mail).
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"reminderd/internal/delivery"
	"reminderd/internal/eventbus"
	"reminderd/internal/extract"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

const DefaultTitle = "Follow-up requested"

var ErrInvalidArgument = errors.New("service: invalid argument")

// Extractor finds the due time in request text.
type Extractor interface {
	Extract(ctx context.Context, text string, now time.Time) (extract.Result, bool)
	CheckHorizon(due, now time.Time) error
}

// Timers is the in-process timer set.
type Timers interface {
	Arm(id string, due time.Time) bool
	Disarm(id string) bool
}

// Reverter returns errored or stuck reminders to pending.
type Reverter interface {
	Revert(ctx context.Context, id string) (reminder.Reminder, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, m transport.Message) error
}

type Config struct {
	// Confirm acknowledges inbound requests to their sender.
	Confirm      bool
	DefaultTitle string
}

// Deps are the collaborators of Service. Dispatcher is only needed when
// confirmations are on.
type Deps struct {
	Store      storage.Store
	Extractor  Extractor
	Timers     Timers
	Reverter   Reverter
	Dispatcher Dispatcher
	Log        logx.Logger
	Bus        eventbus.Bus
	Clock      func() time.Time
	// Location renders due times in confirmations.
	Location *time.Location
}

// InboundMessage is a message the caller has already judged to be a
// reminder request.
type InboundMessage struct {
	Sender   string `json:"sender"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id,omitempty"`
}

type Service struct {
	d   Deps
	cfg atomic.Pointer[Config]
}

func New(d Deps, cfg Config) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	s := &Service{d: d}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if strings.TrimSpace(cfg.DefaultTitle) == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	s.cfg.Store(&cfg)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// CreateReminder extracts a due time from requestText and stores a pending
// reminder for requester. ok is false when the text holds no acceptable
// time; that is not an error.
func (s *Service) CreateReminder(ctx context.Context, requestText, requester, title string) (string, bool, error) {
	r, ok, err := s.create(ctx, requestText, requester, title, "")
	return r.ID, ok, err
}

// HandleInbound creates a reminder from an inbound message. The body carries
// the time phrase and becomes the reminder body; the subject is the title.
func (s *Service) HandleInbound(ctx context.Context, in InboundMessage) (string, bool, error) {
	r, ok, err := s.create(ctx, in.Body, in.Sender, in.Subject, in.ThreadID)
	if err != nil || !ok {
		return "", ok, err
	}
	if s.config().Confirm {
		s.confirm(ctx, r)
	}
	return r.ID, true, nil
}

func (s *Service) create(ctx context.Context, text, requester, title, threadID string) (reminder.Reminder, bool, error) {
	if strings.TrimSpace(requester) == "" {
		return reminder.Reminder{}, false, fmt.Errorf("%w: requester is required", ErrInvalidArgument)
	}
	now := s.d.Clock()
	res, ok := s.d.Extractor.Extract(ctx, text, now)
	if !ok {
		s.d.Log.Debug("no reminder time in request", logx.String("requester", requester))
		return reminder.Reminder{}, false, nil
	}

	r := reminder.New(title, text, requester, res.Due, now, s.config().DefaultTitle)
	r.ThreadID = strings.TrimSpace(threadID)
	if err := s.d.Store.Create(ctx, r); err != nil {
		return reminder.Reminder{}, false, fmt.Errorf("create reminder: %w", err)
	}
	s.d.Timers.Arm(r.ID, r.DueAt)

	s.d.Log.Info("reminder created",
		logx.ReminderID(r.ID),
		logx.String("requester", r.Requester),
		logx.Time("due", r.DueAt),
		logx.String("phrase", res.Phrase),
	)
	s.publish(eventbus.ReminderCreated, r.ID, map[string]any{"due": r.DueAt, "requester": r.Requester})
	return r, true, nil
}

func (s *Service) confirm(ctx context.Context, r reminder.Reminder) {
	if s.d.Dispatcher == nil {
		return
	}
	due := r.DueAt.In(s.d.Location).Format("Mon, 02 Jan 2006 15:04 MST")
	text := fmt.Sprintf("I've set a reminder for: %s (%s)", r.Title, due)
	err := s.d.Dispatcher.Dispatch(ctx, transport.Message{
		Recipient: r.Requester,
		Subject:   "Re: " + r.Title,
		Body:      text,
	})
	if err != nil {
		s.d.Log.Warn("confirmation not sent", logx.ReminderID(r.ID), logx.Err(err))
	}
}

// CancelReminder cancels a pending reminder. It returns false, without
// error, when the reminder is missing or no longer pending, so repeating a
// cancel is harmless.
func (s *Service) CancelReminder(ctx context.Context, id string) (bool, error) {
	at := s.d.Clock()
	r, err := s.d.Store.Transition(ctx, id, reminder.StatusPending, reminder.StatusCancelled, func(r *reminder.Reminder) {
		r.CancelledAt = reminder.TimePtr(at)
	})
	if done, err := notApplicable(err); done {
		return false, err
	}
	s.d.Timers.Disarm(id)

	if err := s.d.Store.AppendHistory(ctx, reminder.NewHistory(r, reminder.EventCancelled, r.DueAt, at)); err != nil {
		s.d.Log.Warn("history append failed", logx.ReminderID(id), logx.Err(err))
	}
	s.d.Log.Info("reminder cancelled", logx.ReminderID(id))
	s.publish(eventbus.ReminderCancelled, id, nil)
	return true, nil
}

// RescheduleReminder moves a pending reminder to newDue. newDue must pass
// the same horizon check as an extracted time. The id is kept.
func (s *Service) RescheduleReminder(ctx context.Context, id string, newDue time.Time) (bool, error) {
	at := s.d.Clock()
	if err := s.d.Extractor.CheckHorizon(newDue, at); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var prevDue time.Time
	r, err := s.d.Store.Transition(ctx, id, reminder.StatusPending, reminder.StatusPending, func(r *reminder.Reminder) {
		prevDue = r.DueAt
		r.ApplyReschedule(newDue, at)
	})
	if done, err := notApplicable(err); done {
		return false, err
	}
	s.d.Timers.Arm(id, r.DueAt)

	h := reminder.NewHistory(r, reminder.EventRescheduled, prevDue, at)
	h.NewDue = reminder.TimePtr(r.DueAt)
	if err := s.d.Store.AppendHistory(ctx, h); err != nil {
		s.d.Log.Warn("history append failed", logx.ReminderID(id), logx.Err(err))
	}
	s.d.Log.Info("reminder rescheduled", logx.ReminderID(id), logx.Time("from", prevDue), logx.Time("to", r.DueAt))
	s.publish(eventbus.ReminderRescheduled, id, map[string]any{"from": prevDue, "to": r.DueAt})
	return true, nil
}

// ListActiveReminders returns pending reminders, soonest first. An empty
// requester lists everyone's.
func (s *Service) ListActiveReminders(ctx context.Context, requester string) ([]reminder.Summary, error) {
	rs, err := s.d.Store.List(ctx, storage.Filter{
		Status:    reminder.StatusPending,
		Requester: strings.TrimSpace(requester),
	})
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return reminder.SummarizeAll(rs, s.d.Clock()), nil
}

func (s *Service) GetReminderStatistics(ctx context.Context) (reminder.Statistics, error) {
	h, err := s.d.Store.History(ctx)
	if err != nil {
		return reminder.Statistics{}, fmt.Errorf("read history: %w", err)
	}
	return reminder.ComputeStatistics(h), nil
}

func (s *Service) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	return s.d.Store.Get(ctx, id)
}

// RevertReminder returns an errored or stuck reminder to pending and re-arms
// it. false means there was nothing to revert.
func (s *Service) RevertReminder(ctx context.Context, id string) (bool, error) {
	if s.d.Reverter == nil {
		return false, errors.New("service: revert not available")
	}
	r, err := s.d.Reverter.Revert(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, delivery.ErrNotRevertible) {
			return false, nil
		}
		return false, err
	}
	s.d.Timers.Arm(r.ID, r.DueAt)
	return true, nil
}

// notApplicable folds "missing" and "not pending" into a plain false.
func notApplicable(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrStatusConflict):
		return true, nil
	default:
		return true, err
	}
}

func (s *Service) publish(typ, id string, data any) {
	s.d.Bus.Publish(eventbus.Event{Type: typ, Time: s.d.Clock(), ReminderID: id, Data: data})
}
