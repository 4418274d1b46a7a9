package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type sink struct {
	mu   sync.Mutex
	msgs []transport.Message
	fail map[string]bool
}

func (s *sink) Dispatch(_ context.Context, m transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[m.Recipient] {
		return errors.New("nope")
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func add(t *testing.T, st storage.Store, id, title, body, who string, due time.Time) {
	t.Helper()
	r := reminder.New(title, body, who, due, t0, "")
	r.ID = id
	require.NoError(t, st.Create(context.Background(), r))
}

func TestRender(t *testing.T) {
	assert.Equal(t, "✅ No outstanding follow-ups.", Render(nil, nil))

	rs := []reminder.Reminder{
		{Title: "Later", Body: "b2", DueAt: t0.Add(48 * time.Hour)},
		{Title: "Sooner", Body: "b1", DueAt: t0.Add(2 * time.Hour)},
	}
	got := Render(rs, time.UTC)
	assert.Equal(t, "🔁 Sooner — due Mon 01 Jun 11:00 UTC\nb1\n\n🔁 Later — due Wed 03 Jun 09:00 UTC\nb2", got)
}

func TestRunPerRequester(t *testing.T) {
	st := storage.NewMemory()
	add(t, st, "a1", "A1", "", "alice@example.com", t0.Add(time.Hour))
	add(t, st, "a2", "A2", "", "alice@example.com", t0.Add(2*time.Hour))
	add(t, st, "b1", "B1", "", "tg:42", t0.Add(time.Hour))
	s := &sink{fail: map[string]bool{"tg:42": true}}

	d := New(Config{}, st, s, logx.Nop())
	d.now = func() time.Time { return t0 }
	n, err := d.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, s.msgs, 1)
	assert.Equal(t, "alice@example.com", s.msgs[0].Recipient)
	assert.Equal(t, "Weekly follow-up digest (Mon 01 Jun 2026)", s.msgs[0].Subject)
	assert.Contains(t, s.msgs[0].Body, "A1")
	assert.Contains(t, s.msgs[0].Body, "A2")
	assert.NotContains(t, s.msgs[0].Body, "B1")
}

func TestRunSingleRecipientEmpty(t *testing.T) {
	s := &sink{}
	d := New(Config{Recipient: "partner@example.com"}, storage.NewMemory(), s, logx.Nop())
	n, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "✅ No outstanding follow-ups.", s.msgs[0].Body)
}

func TestRegister(t *testing.T) {
	sched := scheduler.New(scheduler.Config{}, nil, logx.Nop())
	d := New(Config{}, storage.NewMemory(), &sink{}, logx.Nop())
	require.NoError(t, d.Register(sched))

	snap := sched.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, JobName, snap.Jobs[0].Name)
	assert.Equal(t, DefaultSchedule, snap.Jobs[0].Spec)

	bad := New(Config{Schedule: "whenever"}, storage.NewMemory(), &sink{}, logx.Nop())
	assert.Error(t, bad.Register(sched))
}
