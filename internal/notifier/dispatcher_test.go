package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/eventbus"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type fakeSender struct {
	name string

	mu     sync.Mutex
	addrs  []string
	msgs   []transport.Message
	errs   []error // consumed one per call; nil when exhausted
	closed bool
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, to string, m transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs = append(f.addrs, to)
	f.msgs = append(f.msgs, m)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.addrs)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newDispatcher(cfg Config, bus eventbus.Bus, senders ...transport.Sender) (*Dispatcher, *sleepLog) {
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	d := New(cfg, logx.Nop(), bus, senders...)
	sl := &sleepLog{}
	d.sleep = sl.sleep
	return d, sl
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in        string
		def       string
		transport string
		addr      string
		err       bool
	}{
		{in: "alice@example.com", transport: transport.Email, addr: "alice@example.com"},
		{in: "mailto:bob@example.com", transport: transport.Email, addr: "bob@example.com"},
		{in: "tg:12345", transport: transport.Telegram, addr: "12345"},
		{in: "TG:-100/7", transport: transport.Telegram, addr: "-100/7"},
		{in: "sms:+15550001111", transport: transport.SMS, addr: "+15550001111"},
		{in: "tel:+15550001111", transport: transport.SMS, addr: "+15550001111"},
		{in: "ops-room", def: transport.Log, transport: transport.Log, addr: "ops-room"},
		{in: "ops-room", err: true},
		{in: "   ", def: transport.Log, err: true},
	}
	for _, tt := range tests {
		name, addr, err := route(tt.in, tt.def)
		if tt.err {
			assert.ErrorIs(t, err, ErrNoRoute, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.transport, name, tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
	}
}

func TestDispatchRoutesToSender(t *testing.T) {
	mail := &fakeSender{name: transport.Email}
	tg := &fakeSender{name: transport.Telegram}
	d, _ := newDispatcher(Config{}, nil, mail, tg)

	require.NoError(t, d.Dispatch(context.Background(), transport.Message{Recipient: "tg:42", Body: "hi"}))
	require.NoError(t, d.Dispatch(context.Background(), transport.Message{Recipient: "a@b.c", Body: "hi"}))

	assert.Equal(t, []string{"42"}, tg.addrs)
	assert.Equal(t, []string{"a@b.c"}, mail.addrs)
	assert.EqualValues(t, 2, d.Snapshot().Sent)
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	s := &fakeSender{name: transport.Email, errs: []error{errors.New("timeout"), errors.New("timeout")}}
	d, sl := newDispatcher(Config{RetryMax: 3, RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}, nil, s)

	require.NoError(t, d.Dispatch(context.Background(), transport.Message{Recipient: "a@b.c"}))
	assert.Equal(t, 3, s.calls())
	require.Len(t, sl.delays, 2)
	assert.InDelta(t, float64(100*time.Millisecond), float64(sl.delays[0]), float64(30*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(sl.delays[1]), float64(60*time.Millisecond))
	assert.EqualValues(t, 2, d.Snapshot().Retries)
}

func TestDispatchGivesUpAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	boom := errors.New("smtp down")
	s := &fakeSender{name: transport.Email, errs: []error{boom, boom, boom}}
	d, _ := newDispatcher(Config{RetryMax: 2}, bus, s)

	err := d.Dispatch(context.Background(), transport.Message{Recipient: "a@b.c"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, s.calls())

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.DispatchFailed, ev.Type)
		fe, ok := ev.Data.(FailedEvent)
		require.True(t, ok)
		assert.Equal(t, 3, fe.Attempts)
		assert.False(t, fe.Permanent)
	case <-time.After(time.Second):
		t.Fatal("no DispatchFailed event")
	}
}

func TestDispatchDoesNotRetryPermanent(t *testing.T) {
	s := &fakeSender{name: transport.Email, errs: []error{transport.Permanent(errors.New("550 no such user"))}}
	d, sl := newDispatcher(Config{RetryMax: 5}, nil, s)

	err := d.Dispatch(context.Background(), transport.Message{Recipient: "a@b.c"})
	assert.True(t, transport.IsPermanent(err))
	assert.Equal(t, 1, s.calls())
	assert.Empty(t, sl.delays)
}

func TestDispatchHonoursRetryAfter(t *testing.T) {
	s := &fakeSender{name: transport.Telegram, errs: []error{
		&transport.RetryAfterError{After: 5 * time.Second, Err: errors.New("flood")},
	}}
	d, sl := newDispatcher(Config{RetryBase: 10 * time.Millisecond}, nil, s)

	require.NoError(t, d.Dispatch(context.Background(), transport.Message{Recipient: "tg:1"}))
	require.Len(t, sl.delays, 1)
	assert.Equal(t, 5*time.Second, sl.delays[0])
}

func TestDispatchNoSender(t *testing.T) {
	d, _ := newDispatcher(Config{}, nil)
	err := d.Dispatch(context.Background(), transport.Message{Recipient: "sms:+15550001111"})
	assert.ErrorIs(t, err, ErrDisabled)

	err = d.Dispatch(context.Background(), transport.Message{Recipient: "nobody"})
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.EqualValues(t, 2, d.Snapshot().Failed)
}

func TestDispatchStopsOnCancel(t *testing.T) {
	s := &fakeSender{name: transport.Email, errs: []error{errors.New("a"), errors.New("b")}}
	d, _ := newDispatcher(Config{RetryMax: 5}, nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	err := d.Dispatch(ctx, transport.Message{Recipient: "a@b.c"})
	require.Error(t, err)
	assert.Equal(t, 1, s.calls())
}

func TestSignatureAndApply(t *testing.T) {
	s := &fakeSender{name: transport.Log}
	d, _ := newDispatcher(Config{DefaultTransport: transport.Log}, nil, s)
	d.Apply(Config{DefaultTransport: transport.Log, RatePerSec: 1000, Signature: "-- reminderd"})

	require.NoError(t, d.Dispatch(context.Background(), transport.Message{Recipient: "ops", Body: "body\n", HTML: "<p>body</p>"}))
	assert.Equal(t, "body\n\n-- reminderd", s.msgs[0].Body)
	assert.Equal(t, "<p>body</p><p>-- reminderd</p>", s.msgs[0].HTML)
}

func TestCloseClosesSenders(t *testing.T) {
	s := &fakeSender{name: transport.Email}
	d, _ := newDispatcher(Config{}, nil, s)
	require.NoError(t, d.Close())
	assert.True(t, s.closed)
	assert.ErrorIs(t, d.Dispatch(context.Background(), transport.Message{Recipient: "a@b.c"}), ErrClosed)
}

func TestAlertUsesDispatch(t *testing.T) {
	s := &fakeSender{name: transport.Telegram}
	d, _ := newDispatcher(Config{}, nil, s)
	var _ logx.Alerter = d

	require.NoError(t, d.Alert(context.Background(), "tg:9", "disk full"))
	assert.Equal(t, "disk full", s.msgs[0].Body)
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 4 * time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, 4*time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
