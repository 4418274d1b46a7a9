// Package reminder defines the reminder entity, its closed lifecycle state
// machine and the derived read models (summaries and statistics).
package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Reminder.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{StatusPending, StatusInProgress, StatusDone, StatusError, StatusCancelled}

var (
	ErrInvalidStatus     = errors.New("reminder: invalid status")
	ErrInvalidTransition = errors.New("reminder: invalid status transition")
)

// ParseStatus accepts the wire form of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

func (s Status) String() string { return string(s) }

// transitions is the full state machine. pending -> pending is a reschedule.
// in_progress -> pending and in_progress -> error are also used by stale
// claim recovery.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled, StatusPending},
	StatusInProgress: {StatusDone, StatusError, StatusPending},
	StatusError:      {StatusPending},
}

// CanTransition reports whether from -> to is in the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition as an error wrapping ErrInvalidTransition.
func CheckTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Reminder is one deferred notification commitment.
type Reminder struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Requester string    `json:"requester"`
	ThreadID  string    `json:"thread_id,omitempty"`
	DueAt     time.Time `json:"due_at"`
	Status    Status    `json:"status"`

	CreatedAt           time.Time  `json:"created_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ErrorAt             *time.Time `json:"error_at,omitempty"`
	Error               string     `json:"error,omitempty"`

	OriginalDue   *time.Time `json:"original_due,omitempty"`
	RescheduledAt *time.Time `json:"rescheduled_at,omitempty"`

	StaleFlaggedAt *time.Time `json:"stale_flagged_at,omitempty"`
}

// New builds a pending reminder with a fresh id. An empty title becomes
// defaultTitle.
func New(title, body, requester string, due, now time.Time, defaultTitle string) Reminder {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	return Reminder{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Requester: strings.TrimSpace(requester),
		DueAt:     Normalize(due),
		Status:    StatusPending,
		CreatedAt: Normalize(now),
	}
}

// Validate checks the fields every stored reminder must carry.
func (r Reminder) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return errors.New("reminder: id is required")
	case strings.TrimSpace(r.Requester) == "":
		return errors.New("reminder: requester is required")
	case r.DueAt.IsZero():
		return errors.New("reminder: due_at is required")
	case !r.Status.Valid():
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	return nil
}

// Due reports whether r is pending and its due time has passed.
func (r Reminder) Due(now time.Time) bool {
	return r.Status == StatusPending && !r.DueAt.After(now)
}

// Clone returns a deep copy so callers cannot alias store-owned pointers.
func (r Reminder) Clone() Reminder {
	cp := r
	cp.ProcessingStartedAt = cloneTime(r.ProcessingStartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	cp.ErrorAt = cloneTime(r.ErrorAt)
	cp.OriginalDue = cloneTime(r.OriginalDue)
	cp.RescheduledAt = cloneTime(r.RescheduledAt)
	cp.StaleFlaggedAt = cloneTime(r.StaleFlaggedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Normalize puts t in UTC at millisecond precision, the resolution every
// store keeps.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// TimePtr returns a pointer to the normalized t.
func TimePtr(t time.Time) *time.Time {
	v := Normalize(t)
	return &v
}

// ApplyReschedule moves DueAt to due and records the audit fields.
// OriginalDue keeps the first due time ever set.
func (r *Reminder) ApplyReschedule(due, at time.Time) {
	if r.OriginalDue == nil {
		r.OriginalDue = TimePtr(r.DueAt)
	}
	r.DueAt = Normalize(due)
	r.RescheduledAt = TimePtr(at)
}
