package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &sqlStore{dialect: dialectSQLite}
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func reminderRow(id string, status reminder.Status) *sqlmock.Rows {
	cols := []string{"id", "title", "body", "requester", "thread_id", "due_at", "status", "created_at",
		"processing_started_at", "completed_at", "cancelled_at", "error_at", "error",
		"original_due", "rescheduled_at", "stale_flagged_at"}
	return sqlmock.NewRows(cols).AddRow(
		id, "Call Dana", "", "dana@example.com", nil, base.UnixMilli(), string(status), base.UnixMilli(),
		nil, nil, nil, nil, nil,
		nil, nil, nil,
	)
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, dialectPostgres, logx.Nop()), mock
}

func TestPostgresTransitionCommits(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM reminders WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusPending))
	mock.ExpectExec(`UPDATE reminders SET .* WHERE id = \$16 AND status = \$17`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := st.Transition(context.Background(), "r1", reminder.StatusPending, reminder.StatusCancelled, func(r *reminder.Reminder) {
		r.CancelledAt = reminder.TimePtr(base)
	})
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusCancelled, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionLostRace(t *testing.T) {
	st, mock := newMockStore(t)

	// The row still reads pending but another writer claims it before our
	// UPDATE lands.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM reminders WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusPending))
	mock.ExpectExec(`UPDATE reminders SET .* WHERE id = \$16 AND status = \$17`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := st.Transition(context.Background(), "r1", reminder.StatusPending, reminder.StatusInProgress, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionWrongStatus(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM reminders WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusDone))
	mock.ExpectRollback()

	_, err := st.Transition(context.Background(), "r1", reminder.StatusPending, reminder.StatusInProgress, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimLocksRowAndChecksDue(t *testing.T) {
	st, mock := newMockStore(t)

	// The row was rescheduled to base after the claim was queued.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM reminders WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusPending))
	mock.ExpectRollback()

	_, err := st.Claim(context.Background(), "r1", base.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNotDue)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM reminders WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusPending))
	mock.ExpectExec(`UPDATE reminders SET .* WHERE id = \$16 AND status = \$17`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"in_progress", sqlmock.AnyArg(), base.UnixMilli(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"r1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := st.Claim(context.Background(), "r1", base)
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusInProgress, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteReadTakesNoRowLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := newSQLStore(db, dialectSQLite, logx.Nop())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ` + reminderColumns + ` FROM reminders WHERE id = ?`).
		WithArgs("r1").
		WillReturnRows(reminderRow("r1", reminder.StatusDone))
	mock.ExpectRollback()

	_, err = st.Transition(context.Background(), "r1", reminder.StatusPending, reminder.StatusInProgress, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListUnflagged(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM reminders WHERE status = \$1 AND processing_started_at IS NOT NULL AND processing_started_at <= \$2 AND stale_flagged_at IS NULL ORDER BY due_at, id LIMIT 10`).
		WithArgs("in_progress", base.UnixMilli()).
		WillReturnRows(reminderRow("r1", reminder.StatusInProgress))

	_, err := st.List(context.Background(), Filter{Status: reminder.StatusInProgress, ClaimedBefore: base, Unflagged: true, Limit: 10})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reminders(`)).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "reminders_pkey"`))

	r := newPending("r1", "alice", base)
	assert.ErrorIs(t, st.Create(context.Background(), r), ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListBuildsFilter(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM reminders WHERE status = \$1 AND requester = \$2 ORDER BY due_at, id LIMIT 5`).
		WithArgs("pending", "dana@example.com").
		WillReturnRows(reminderRow("r1", reminder.StatusPending))

	got, err := st.List(context.Background(), Filter{Status: reminder.StatusPending, Requester: "dana@example.com", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Call Dana", got[0].Title)
	assert.Empty(t, got[0].ThreadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
