package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

var base = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reminders.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"redis", func(t *testing.T) Store {
			addr := os.Getenv("REMINDERD_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("REMINDERD_TEST_REDIS_ADDR not set")
			}
			st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: addr, Prefix: "test:" + uuid.NewString() + ":"}}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
}

// eachBackend runs fn against a fresh store of every backend.
func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newPending(id, requester string, due time.Time) reminder.Reminder {
	r := reminder.New("Title "+id, "body of "+id, requester, due, base, "Follow-up requested")
	r.ID = id
	return r
}

func TestCreateAndGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := newPending("r1", "alice@example.com", base.Add(time.Hour+123*time.Millisecond))
		r.ThreadID = "thread-7"
		require.NoError(t, st.Create(ctx, r))

		got, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.Title, got.Title)
		assert.Equal(t, r.Body, got.Body)
		assert.Equal(t, r.Requester, got.Requester)
		assert.Equal(t, "thread-7", got.ThreadID)
		assert.True(t, r.DueAt.Equal(got.DueAt), "due %s != %s", got.DueAt, r.DueAt)
		assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, reminder.StatusPending, got.Status)
		assert.Nil(t, got.ProcessingStartedAt)

		assert.ErrorIs(t, st.Create(ctx, r), ErrDuplicateID)

		_, err = st.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateRejectsInvalid(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		r := newPending("r1", "", base)
		assert.Error(t, st.Create(context.Background(), r))
	})
}

func TestTransition(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("r1", "bob", base)))

		started := base.Add(time.Minute)
		got, err := st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
			r.ProcessingStartedAt = reminder.TimePtr(started)
			r.Status = reminder.StatusDone // ignored
		})
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusInProgress, got.Status)
		require.NotNil(t, got.ProcessingStartedAt)
		assert.True(t, got.ProcessingStartedAt.Equal(started))

		// Stale expectation.
		_, err = st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusCancelled, nil)
		assert.ErrorIs(t, err, ErrStatusConflict)

		// Outside the state machine.
		_, err = st.Transition(ctx, "r1", reminder.StatusDone, reminder.StatusPending, nil)
		assert.ErrorIs(t, err, reminder.ErrInvalidTransition)

		_, err = st.Transition(ctx, "missing", reminder.StatusPending, reminder.StatusCancelled, nil)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err = st.Transition(ctx, "r1", reminder.StatusInProgress, reminder.StatusDone, func(r *reminder.Reminder) {
			r.CompletedAt = reminder.TimePtr(base.Add(2 * time.Minute))
		})
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusDone, got.Status)

		stored, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusDone, stored.Status)
		require.NotNil(t, stored.CompletedAt)
		require.NotNil(t, stored.ProcessingStartedAt)
	})
}

func TestRescheduleKeepsPending(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("r1", "bob", base)))

		newDue := base.Add(48 * time.Hour)
		got, err := st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusPending, func(r *reminder.Reminder) {
			r.ApplyReschedule(newDue, base.Add(time.Second))
		})
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusPending, got.Status)

		stored, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, stored.DueAt.Equal(newDue))
		require.NotNil(t, stored.OriginalDue)
		assert.True(t, stored.OriginalDue.Equal(base))

		// Status indexes follow the new due time.
		list, err := st.List(ctx, Filter{Status: reminder.StatusPending, DueBefore: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestAnnotate(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("r1", "bob", base)))
		_, err := st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
			r.ProcessingStartedAt = reminder.TimePtr(base)
		})
		require.NoError(t, err)

		flagged := base.Add(20 * time.Minute)
		got, err := st.Annotate(ctx, "r1", reminder.StatusInProgress, func(r *reminder.Reminder) {
			r.StaleFlaggedAt = reminder.TimePtr(flagged)
			r.Status = reminder.StatusPending // ignored
		})
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusInProgress, got.Status)

		stored, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusInProgress, stored.Status)
		require.NotNil(t, stored.StaleFlaggedAt)
		assert.True(t, stored.StaleFlaggedAt.Equal(flagged))

		_, err = st.Annotate(ctx, "r1", reminder.StatusPending, nil)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})
}

func TestClaim(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("r1", "bob", base.Add(time.Hour))))

		_, err := st.Claim(ctx, "r1", base)
		assert.ErrorIs(t, err, ErrNotDue)
		got, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusPending, got.Status)

		at := base.Add(time.Hour)
		got, err = st.Claim(ctx, "r1", at)
		require.NoError(t, err)
		assert.Equal(t, reminder.StatusInProgress, got.Status)
		require.NotNil(t, got.ProcessingStartedAt)
		assert.True(t, got.ProcessingStartedAt.Equal(at))

		_, err = st.Claim(ctx, "r1", at)
		assert.ErrorIs(t, err, ErrStatusConflict)
		_, err = st.Claim(ctx, "missing", at)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListFilters(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("c", "alice", base.Add(3*time.Hour))))
		require.NoError(t, st.Create(ctx, newPending("a", "alice", base.Add(1*time.Hour))))
		require.NoError(t, st.Create(ctx, newPending("b", "bob", base.Add(2*time.Hour))))
		require.NoError(t, st.Create(ctx, newPending("d", "bob", base.Add(1*time.Hour))))

		_, err := st.Transition(ctx, "b", reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
			r.ProcessingStartedAt = reminder.TimePtr(base.Add(10 * time.Minute))
		})
		require.NoError(t, err)
		_, err = st.Transition(ctx, "c", reminder.StatusPending, reminder.StatusCancelled, nil)
		require.NoError(t, err)

		ids := func(rs []reminder.Reminder) []string {
			out := make([]string, 0, len(rs))
			for _, r := range rs {
				out = append(out, r.ID)
			}
			return out
		}

		all, err := st.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d", "b", "c"}, ids(all))

		pending, err := st.List(ctx, Filter{Status: reminder.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d"}, ids(pending))

		alice, err := st.List(ctx, Filter{Requester: "alice"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(alice))

		due, err := st.List(ctx, Filter{DueBefore: base.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d", "b"}, ids(due))

		claimed, err := st.List(ctx, Filter{Status: reminder.StatusInProgress, ClaimedBefore: base.Add(10 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(claimed))

		notYet, err := st.List(ctx, Filter{Status: reminder.StatusInProgress, ClaimedBefore: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Empty(t, notYet)

		limited, err := st.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(limited))
	})
}

func TestHistory(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := newPending("r1", "alice", base)

		first := reminder.NewHistory(r, reminder.EventRescheduled, base, base.Add(time.Minute))
		first.NewDue = reminder.TimePtr(base.Add(time.Hour))
		second := reminder.NewHistory(r, reminder.EventCompleted, base.Add(time.Hour), base.Add(2*time.Hour))
		require.NoError(t, st.AppendHistory(ctx, first))
		require.NoError(t, st.AppendHistory(ctx, second))

		got, err := st.History(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)
		assert.Equal(t, reminder.EventRescheduled, got[0].Event)
		require.NotNil(t, got[0].NewDue)
		assert.True(t, got[0].NewDue.Equal(base.Add(time.Hour)))
		assert.Equal(t, reminder.EventCompleted, got[1].Event)
		assert.Nil(t, got[1].NewDue)
		assert.Equal(t, "alice", got[1].Requester)
	})
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newPending("r1", "alice", base)))

		const workers = 16
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
			start     = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
					r.ProcessingStartedAt = reminder.TimePtr(base)
				})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrStatusConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load())
		assert.EqualValues(t, workers-1, conflicts.Load())
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, newPending("r1", "alice", base)))
	require.NoError(t, st.Create(ctx, newPending("r2", "bob", base.Add(time.Hour))))
	_, err = st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusInProgress, func(r *reminder.Reminder) {
		r.ProcessingStartedAt = reminder.TimePtr(base)
	})
	require.NoError(t, err)
	h := reminder.NewHistory(newPending("r2", "bob", base), reminder.EventCancelled, base, base)
	require.NoError(t, st.AppendHistory(ctx, h))

	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil

	reopened, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)

	got, err := reopened.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusInProgress, got.Status)
	hist, err := reopened.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)

	// Clean close compacts; a third open reads only the snapshot.
	require.NoError(t, reopened.Close())
	info, err := os.Stat(filepath.Join(dir, "reminders.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	third, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer third.Close()
	all, err := third.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	hist, err = third.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, newPending("r1", "alice", base)))
	fs := st.(*fileStore)
	_, err = fs.journal.WriteString(`{"op":"put","reminder":{"id":"r2"`)
	require.NoError(t, err)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil

	reopened, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	all, err := reopened.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r1", all[0].ID)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, newPending("r1", "alice", base)))
	require.NoError(t, st.Close())

	reopened, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Requester)
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Create(context.Background(), newPending("r1", "a", base)), ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
