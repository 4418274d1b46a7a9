package engine

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
	logx "reminderd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSubmitRunsJob(t *testing.T) {
	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, nil)

	done := make(chan struct{})
	require.NoError(t, s.Submit(Job{Key: "r1", Name: "deliver", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitDeduplicatesByKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(Job{Key: "r1", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.ErrorIs(t, s.Submit(Job{Key: "r1", Run: func(context.Context) error { return nil }}), ErrDuplicate)
	assert.NoError(t, s.Submit(Job{Key: "r2", Run: func(context.Context) error { return nil }}))

	close(release)
	require.Eventually(t, func() bool {
		return s.Submit(Job{Key: "r1", Run: func(context.Context) error { return nil }}) == nil
	}, time.Second, 5*time.Millisecond, "key should be released after the job ends")
}

func TestSubmitQueueFull(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, bus)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(Job{Key: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, s.Submit(Job{Key: "queued", Run: func(context.Context) error { return nil }}))

	err := s.Submit(Job{Key: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().Dropped)

	e := <-events
	assert.Equal(t, eventbus.JobDropped, e.Type)
	assert.Equal(t, "overflow", e.ReminderID)

	close(release)
	// A dropped key is not left marked as pending.
	require.Eventually(t, func() bool {
		return s.Submit(Job{Key: "overflow", Run: func(context.Context) error { return nil }}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestJobTimeoutAndPanic(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, JobTimeout: 20 * time.Millisecond}, nil)

	var sawDeadline atomic.Bool
	require.NoError(t, s.Submit(Job{Key: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}}))
	require.NoError(t, s.Submit(Job{Key: "bad", Run: func(context.Context) error { panic("boom") }}))

	var ran atomic.Bool
	require.NoError(t, s.Submit(Job{Key: "after", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))

	require.Eventually(t, ran.Load, 2*time.Second, 5*time.Millisecond, "worker should survive a panicking job")
	assert.True(t, sawDeadline.Load())

	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.Panics)
	assert.EqualValues(t, 2, snap.Failed)
	require.Len(t, snap.History, 3)
	assert.Contains(t, snap.History[1].Error, "panic")
}

func TestStopDrainsQueue(t *testing.T) {
	s := New(Config{Workers: 2, QueueSize: 16}, logx.Nop(), nil)
	s.Start(context.Background())

	var (
		mu  sync.Mutex
		ran int
	)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(Job{Run: func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	mu.Lock()
	assert.Equal(t, 10, ran)
	mu.Unlock()
	assert.ErrorIs(t, s.Submit(Job{Run: func(context.Context) error { return nil }}), ErrStopped)
}
