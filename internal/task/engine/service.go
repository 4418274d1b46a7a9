// Package engine is the bounded worker pool that runs delivery jobs.
//
// Timer callbacks and sweeper passes never dispatch inline; they submit a
// job keyed by reminder id and return. Submission never blocks: a full
// queue is reported and the next sweep resubmits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/eventbus"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	queue chan queuedJob
	sup   *rtsup.Supervisor
	keys  map[string]struct{}

	inFlight  atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	lastDropWarn atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		keys: map[string]struct{}{},
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	cfg := s.cfg
	s.queue = make(chan queuedJob, cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	queue := s.queue
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, queue)
		}, rtsup.DefaultRestartPolicy)
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops intake, lets workers drain the queue, and cancels running jobs
// if ctx expires first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	queue, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	if queue != nil {
		close(queue)
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("engine drain timed out; cancelling jobs", logx.Err(err))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	s.log.Info("engine stopped")
}

// Submit enqueues j without blocking.
func (s *Service) Submit(j Job) error {
	if j.Run == nil {
		return errors.New("engine: job has no Run func")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		j.Name = "job"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return ErrStopped
	}
	if j.Key != "" {
		if _, busy := s.keys[j.Key]; busy {
			return ErrDuplicate
		}
	}
	select {
	case s.queue <- queuedJob{job: j, enqueuedAt: time.Now()}:
	default:
		s.onDropped(j, len(s.queue), cap(s.queue))
		return ErrQueueFull
	}
	if j.Key != "" {
		s.keys[j.Key] = struct{}{}
	}
	s.submitted.Add(1)
	return nil
}

func (s *Service) release(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// onDropped runs under s.mu.
func (s *Service) onDropped(j Job, qlen, qcap int) {
	s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, ReminderID: j.Key, Data: JobEvent{Key: j.Key, Name: j.Name, Error: "queue_full"}})

	now := time.Now().UnixNano()
	last := s.lastDropWarn.Load()
	if last != 0 && now-last < int64(warnThrottleEvery) {
		return
	}
	if s.lastDropWarn.CompareAndSwap(last, now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("key", j.Key),
			logx.Int("queue_len", qlen),
			logx.Int("queue_cap", qcap),
		)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	s.mu.Unlock()

	snap := Snapshot{
		Running:   q != nil,
		Workers:   cfg.Workers,
		InFlight:  int(s.inFlight.Load()),
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Panics:    s.panics.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
}
