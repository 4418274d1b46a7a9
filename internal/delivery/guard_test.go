package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type countingDispatcher struct {
	mu    sync.Mutex
	msgs  []transport.Message
	err   error
	delay time.Duration
}

func (d *countingDispatcher) Dispatch(ctx context.Context, m transport.Message) error {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
	return d.err
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, st storage.Store, id string) reminder.Reminder {
	t.Helper()
	r := reminder.New("Invoice", "pay the invoice", "alice@example.com", t0, t0.Add(-time.Hour), "")
	r.ID = id
	require.NoError(t, st.Create(context.Background(), r))
	return r
}

func newGuard(st storage.Store, d Dispatcher, bus eventbus.Bus) *Guard {
	return New(st, d, logx.Nop(), bus, WithClock(func() time.Time { return t0.Add(time.Minute) }))
}

func TestDeliverSuccess(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	out, err := newGuard(st, disp, bus).Deliver(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusDone, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(t0.Add(time.Minute)))

	require.Equal(t, 1, disp.count())
	assert.Equal(t, "🔔 Reminder: Invoice", disp.msgs[0].Subject)
	assert.Equal(t, "alice@example.com", disp.msgs[0].Recipient)

	hist, err := st.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, reminder.EventCompleted, hist[0].Event)

	assert.Equal(t, eventbus.ReminderClaimed, (<-events).Type)
	assert.Equal(t, eventbus.ReminderDelivered, (<-events).Type)
}

func TestDeliverFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{err: errors.New("smtp: 451 try later")}

	out, err := newGuard(st, disp, nil).Deliver(ctx, "r1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)

	got, _ := st.Get(ctx, "r1")
	assert.Equal(t, reminder.StatusError, got.Status)
	assert.Contains(t, got.Error, "451")
	require.NotNil(t, got.ErrorAt)

	// No automatic retry: a second attempt skips.
	out, err = newGuard(st, disp, nil).Deliver(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Equal(t, 1, disp.count())

	hist, _ := st.History(ctx)
	assert.Empty(t, hist)
}

func TestDeliverSkipsMissingAndTerminal(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "cancelled")
	_, err := st.Transition(ctx, "cancelled", reminder.StatusPending, reminder.StatusCancelled, nil)
	require.NoError(t, err)
	disp := &countingDispatcher{}
	g := newGuard(st, disp, nil)

	for _, id := range []string{"missing", "cancelled"} {
		out, err := g.Deliver(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, OutcomeSkipped, out, id)
	}
	assert.Zero(t, disp.count())
}

// A job queued while the reminder was due must not send it after a
// reschedule pushed due_at past now.
func TestQueuedJobSkipsRescheduledReminder(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{}
	job := newGuard(st, disp, nil).Job("r1")

	later := t0.Add(2 * time.Hour)
	_, err := st.Transition(ctx, "r1", reminder.StatusPending, reminder.StatusPending, func(r *reminder.Reminder) {
		r.ApplyReschedule(later, t0.Add(time.Minute))
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(ctx))
	assert.Zero(t, disp.count())

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusPending, got.Status)
	assert.True(t, got.DueAt.Equal(later))
	assert.Nil(t, got.ProcessingStartedAt)

	// Once the clock reaches the new due time the reminder goes out.
	g := New(st, disp, logx.Nop(), nil, WithClock(func() time.Time { return later }))
	out, err := g.Deliver(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)
	assert.Equal(t, 1, disp.count())
}

func TestDeliverFinalizesAfterJobTimeout(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{delay: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := newGuard(st, disp, nil).Deliver(ctx, "r1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)

	got, _ := st.Get(context.Background(), "r1")
	assert.Equal(t, reminder.StatusError, got.Status, "a timed out job must not strand the claim")
}

func TestConcurrentDeliverDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{delay: 5 * time.Millisecond}
	g := newGuard(st, disp, nil)

	var delivered atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := g.Deliver(ctx, "r1")
			assert.NoError(t, err)
			if out == OutcomeDelivered {
				delivered.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, delivered.Load())
	assert.Equal(t, 1, disp.count())
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "r1")
	g := newGuard(st, &countingDispatcher{err: errors.New("down")}, nil)

	_, err := g.Revert(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotRevertible)

	_, _ = g.Deliver(ctx, "r1")
	r, err := g.Revert(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusPending, r.Status)
	assert.Empty(t, r.Error)
	assert.Nil(t, r.ProcessingStartedAt)

	_, err = g.Revert(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobIsKeyedByID(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, "r1")
	disp := &countingDispatcher{}
	job := newGuard(st, disp, nil).Job("r1")
	assert.Equal(t, "r1", job.Key)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, disp.count())
}

func TestMessageFormat(t *testing.T) {
	r := reminder.New("Call <Bob>", "line one\nline two", "a@b.c", t0, t0, "")
	r.ApplyReschedule(t0.Add(24*time.Hour), t0)
	loc := time.FixedZone("WIB", 7*3600)

	m := Message(r, loc)
	assert.Equal(t, "🔔 Reminder: Call <Bob>", m.Subject)
	assert.Contains(t, m.Body, `remind you about: "Call <Bob>".`)
	assert.Contains(t, m.Body, "Due: Tue, 03 Mar 2026 16:00 WIB")
	assert.Contains(t, m.Body, "Originally due: Mon, 02 Mar 2026 16:00 WIB")
	assert.Contains(t, m.Body, "---\nline one\nline two\n---")
	assert.Contains(t, m.HTML, "Call &lt;Bob&gt;")
	assert.Contains(t, m.HTML, "line one<br>line two")

	empty := Message(reminder.Reminder{Title: "x", DueAt: t0}, nil)
	assert.Contains(t, empty.Body, "No content")
}
