package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// dialect covers the differences between sqlite and postgres that matter
// here: placeholder syntax only. Timestamps are unix milliseconds in
// BIGINT columns on both.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const reminderColumns = `id, title, body, requester, thread_id, due_at, status, created_at,
	processing_started_at, completed_at, cancelled_at, error_at, error,
	original_due, rescheduled_at, stale_flagged_at`

// sqlStore is the database/sql backend shared by sqlite and postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Create(ctx context.Context, r reminder.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	args := append([]any{r.ID}, reminderValues(r)...)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO reminders(`+reminderColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`), args...)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *sqlStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`), id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) Transition(ctx context.Context, id string, from, to reminder.Status, mut Mutator) (reminder.Reminder, error) {
	if err := reminder.CheckTransition(from, to); err != nil {
		return reminder.Reminder{}, err
	}
	return s.update(ctx, id, from, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyTransition(cur, from, to, mut)
	})
}

func (s *sqlStore) Claim(ctx context.Context, id string, at time.Time) (reminder.Reminder, error) {
	return s.update(ctx, id, reminder.StatusPending, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyClaim(cur, at)
	})
}

func (s *sqlStore) Annotate(ctx context.Context, id string, expect reminder.Status, mut Mutator) (reminder.Reminder, error) {
	return s.update(ctx, id, expect, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyAnnotate(cur, expect, mut)
	})
}

// update reads the row, computes the next state and writes it back with
// the expected status in the WHERE clause. Zero affected rows means another
// writer changed the status first. On postgres the read holds a row lock
// until commit; sqlite serializes writers on its single connection.
func (s *sqlStore) update(ctx context.Context, id string, expect reminder.Status, fn func(reminder.Reminder) (reminder.Reminder, error)) (reminder.Reminder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reminder.Reminder{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = ?`
	if s.dialect == dialectPostgres {
		// Lock the row so the UPDATE below writes over what we read, not
		// over a reschedule that committed in between.
		q += ` FOR UPDATE`
	}
	cur, err := scanReminder(tx.QueryRowContext(ctx, s.rebind(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, err
	}

	next, err := fn(cur)
	if err != nil {
		return reminder.Reminder{}, err
	}

	args := append(reminderValues(next), next.ID, string(expect))
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE reminders SET
		title = ?, body = ?, requester = ?, thread_id = ?, due_at = ?, status = ?, created_at = ?,
		processing_started_at = ?, completed_at = ?, cancelled_at = ?, error_at = ?, error = ?,
		original_due = ?, rescheduled_at = ?, stale_flagged_at = ?
		WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return reminder.Reminder{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return reminder.Reminder{}, err
	}
	if n == 0 {
		return reminder.Reminder{}, ErrStatusConflict
	}
	if err := tx.Commit(); err != nil {
		return reminder.Reminder{}, err
	}
	return next, nil
}

func (s *sqlStore) List(ctx context.Context, f Filter) ([]reminder.Reminder, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, f.Requester)
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "due_at <= ?")
		args = append(args, f.DueBefore.UnixMilli())
	}
	if !f.ClaimedBefore.IsZero() {
		where = append(where, "processing_started_at IS NOT NULL AND processing_started_at <= ?")
		args = append(args, f.ClaimedBefore.UnixMilli())
	}
	if f.Unflagged {
		where = append(where, "stale_flagged_at IS NULL")
	}

	q := `SELECT ` + reminderColumns + ` FROM reminders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY due_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendHistory(ctx context.Context, e reminder.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO reminder_history(id, reminder_id, title, requester, event, original_due, new_due, at)
		VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, e.ReminderID, e.Title, e.Requester, string(e.Event), e.OriginalDue.UnixMilli(), nullMillis(e.NewDue), e.At.UnixMilli(),
	)
	return err
}

func (s *sqlStore) History(ctx context.Context) ([]reminder.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, reminder_id, title, requester, event, original_due, new_due, at
		FROM reminder_history ORDER BY at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]reminder.HistoryEntry, 0)
	for rows.Next() {
		var (
			e           reminder.HistoryEntry
			event       string
			origDue, at int64
			newDue      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ReminderID, &e.Title, &e.Requester, &event, &origDue, &newDue, &at); err != nil {
			return nil, err
		}
		e.Event = reminder.HistoryEvent(event)
		e.OriginalDue = fromMillis(origDue)
		e.NewDue = fromNullMillis(newDue)
		e.At = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// reminderValues returns every column after id, in reminderColumns order.
func reminderValues(r reminder.Reminder) []any {
	return []any{
		r.Title, r.Body, r.Requester, nullStr(r.ThreadID), r.DueAt.UnixMilli(), string(r.Status), r.CreatedAt.UnixMilli(),
		nullMillis(r.ProcessingStartedAt), nullMillis(r.CompletedAt), nullMillis(r.CancelledAt), nullMillis(r.ErrorAt), nullStr(r.Error),
		nullMillis(r.OriginalDue), nullMillis(r.RescheduledAt), nullMillis(r.StaleFlaggedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r                                    reminder.Reminder
		threadID, errText                    sql.NullString
		status                               string
		due, created                         int64
		started, completed, cancelled, errAt sql.NullInt64
		origDue, rescheduled, staleFlagged   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Title, &r.Body, &r.Requester, &threadID, &due, &status, &created,
		&started, &completed, &cancelled, &errAt, &errText,
		&origDue, &rescheduled, &staleFlagged)
	if err != nil {
		return reminder.Reminder{}, err
	}
	st, err := reminder.ParseStatus(status)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	r.Status = st
	r.ThreadID = threadID.String
	r.Error = errText.String
	r.DueAt = fromMillis(due)
	r.CreatedAt = fromMillis(created)
	r.ProcessingStartedAt = fromNullMillis(started)
	r.CompletedAt = fromNullMillis(completed)
	r.CancelledAt = fromNullMillis(cancelled)
	r.ErrorAt = fromNullMillis(errAt)
	r.OriginalDue = fromNullMillis(origDue)
	r.RescheduledAt = fromNullMillis(rescheduled)
	r.StaleFlaggedAt = fromNullMillis(staleFlagged)
	return r, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// isUniqueViolation matches both drivers' messages without importing
// driver-specific error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
