package storage

import (
	"errors"
	"time"

	"reminderd/internal/reminder"
)

var (
	ErrNotFound       = errors.New("storage: reminder not found")
	ErrStatusConflict = errors.New("storage: status changed concurrently")
	ErrNotDue         = errors.New("storage: reminder is not due yet")
	ErrDuplicateID    = errors.New("storage: duplicate reminder id")
	ErrClosed         = errors.New("storage: closed")
)

// Config configures storage.
//
// If Driver is empty the file backend is used.
type Config struct {
	Driver string
	// Path is the data directory (file) or database file (sqlite).
	Path string
	// DSN is the postgres connection string.
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, default "reminderd:".
	Prefix string
}

// Filter selects reminders. Zero fields do not filter.
type Filter struct {
	Status    reminder.Status
	Requester string
	// DueBefore keeps reminders with due_at <= DueBefore.
	DueBefore time.Time
	// ClaimedBefore keeps reminders whose processing_started_at <= ClaimedBefore.
	ClaimedBefore time.Time
	// Unflagged drops reminders that already carry a stale flag.
	Unflagged bool
	Limit     int
}

// Match reports whether r passes f.
func (f Filter) Match(r reminder.Reminder) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Requester != "" && r.Requester != f.Requester {
		return false
	}
	if !f.DueBefore.IsZero() && r.DueAt.After(f.DueBefore) {
		return false
	}
	if !f.ClaimedBefore.IsZero() {
		if r.ProcessingStartedAt == nil || r.ProcessingStartedAt.After(f.ClaimedBefore) {
			return false
		}
	}
	if f.Unflagged && r.StaleFlaggedAt != nil {
		return false
	}
	return true
}

// Mutator edits a reminder inside a transition. It must not change ID or
// Status; the store sets Status itself.
type Mutator func(r *reminder.Reminder)
