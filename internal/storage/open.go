package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// Store is the persistence API used by the reminder service, the delivery
// guard and the sweeper.
type Store interface {
	Create(ctx context.Context, r reminder.Reminder) error
	Get(ctx context.Context, id string) (reminder.Reminder, error)

	// Transition atomically moves id from -> to and applies mut.
	// It fails with ErrNotFound, ErrStatusConflict when the current status
	// is not from, or reminder.ErrInvalidTransition when from -> to is not
	// in the state machine.
	Transition(ctx context.Context, id string, from, to reminder.Status, mut Mutator) (reminder.Reminder, error)

	// Claim moves a pending reminder whose due_at <= at into in_progress,
	// stamping processing_started_at. It fails with ErrNotDue when the
	// reminder was rescheduled past at, and ErrStatusConflict when it is no
	// longer pending.
	Claim(ctx context.Context, id string, at time.Time) (reminder.Reminder, error)

	// Annotate applies mut to a reminder currently in status expect without
	// changing its status. Used for audit-only fields such as the stale flag.
	Annotate(ctx context.Context, id string, expect reminder.Status, mut Mutator) (reminder.Reminder, error)

	List(ctx context.Context, f Filter) ([]reminder.Reminder, error)

	AppendHistory(ctx context.Context, e reminder.HistoryEntry) error
	History(ctx context.Context) ([]reminder.HistoryEntry, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// applyTransition is the shared validation + mutation step of every
// backend's Transition. cur must be a private copy.
func applyTransition(cur reminder.Reminder, from, to reminder.Status, mut Mutator) (reminder.Reminder, error) {
	if err := reminder.CheckTransition(from, to); err != nil {
		return reminder.Reminder{}, err
	}
	if cur.Status != from {
		return reminder.Reminder{}, ErrStatusConflict
	}
	next := cur.Clone()
	if mut != nil {
		mut(&next)
	}
	next.ID = cur.ID
	next.Status = to
	return next, nil
}

// applyClaim is the shared pending -> in_progress step of Claim.
func applyClaim(cur reminder.Reminder, at time.Time) (reminder.Reminder, error) {
	if cur.Status == reminder.StatusPending && cur.DueAt.After(at) {
		return reminder.Reminder{}, ErrNotDue
	}
	return applyTransition(cur, reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
		r.ProcessingStartedAt = reminder.TimePtr(at)
	})
}

func applyAnnotate(cur reminder.Reminder, expect reminder.Status, mut Mutator) (reminder.Reminder, error) {
	if cur.Status != expect {
		return reminder.Reminder{}, ErrStatusConflict
	}
	next := cur.Clone()
	if mut != nil {
		mut(&next)
	}
	next.ID = cur.ID
	next.Status = cur.Status
	return next, nil
}
