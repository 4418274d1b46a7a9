package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"reminderd/internal/reminder"
)

// memStore is the in-memory index. The file backend wraps it with a
// journal; on its own it backs the "memory" driver.
type memStore struct {
	mu        sync.Mutex
	reminders map[string]reminder.Reminder
	history   []reminder.HistoryEntry
	closed    bool

	// persist, when set, is called under mu before a change becomes
	// visible. An error aborts the change.
	persist func(rec journalRecord) error
}

// NewMemory returns a store that keeps everything in process memory.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{reminders: map[string]reminder.Reminder{}}
}

func (s *memStore) write(rec journalRecord) error {
	if s.persist == nil {
		return nil
	}
	return s.persist(rec)
}

func (s *memStore) Create(_ context.Context, r reminder.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.reminders[r.ID]; ok {
		return ErrDuplicateID
	}
	r = r.Clone()
	if err := s.write(journalRecord{Op: opPut, Reminder: &r}); err != nil {
		return err
	}
	s.reminders[r.ID] = r
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Reminder{}, ErrClosed
	}
	r, ok := s.reminders[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memStore) Transition(_ context.Context, id string, from, to reminder.Status, mut Mutator) (reminder.Reminder, error) {
	return s.update(id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyTransition(cur, from, to, mut)
	})
}

func (s *memStore) Claim(_ context.Context, id string, at time.Time) (reminder.Reminder, error) {
	return s.update(id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyClaim(cur, at)
	})
}

func (s *memStore) Annotate(_ context.Context, id string, expect reminder.Status, mut Mutator) (reminder.Reminder, error) {
	return s.update(id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyAnnotate(cur, expect, mut)
	})
}

func (s *memStore) update(id string, fn func(reminder.Reminder) (reminder.Reminder, error)) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Reminder{}, ErrClosed
	}
	cur, ok := s.reminders[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return reminder.Reminder{}, err
	}
	if err := s.write(journalRecord{Op: opPut, Reminder: &next}); err != nil {
		return reminder.Reminder{}, err
	}
	s.reminders[id] = next
	return next.Clone(), nil
}

func (s *memStore) List(_ context.Context, f Filter) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range s.reminders {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sortByDue(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) AppendHistory(_ context.Context, e reminder.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.write(journalRecord{Op: opHistory, History: &e}); err != nil {
		return err
	}
	s.history = append(s.history, e)
	return nil
}

func (s *memStore) History(_ context.Context) ([]reminder.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]reminder.HistoryEntry(nil), s.history...), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortByDue(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].DueAt.Equal(rs[j].DueAt) {
			return rs[i].DueAt.Before(rs[j].DueAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
