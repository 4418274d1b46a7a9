// Package eventbus fans reminder lifecycle events out to in-process
// consumers (metrics, logs). Publishing never blocks; slow consumers lose
// events.
package eventbus

import (
	"sync"
	"time"
)

// Event types.
const (
	ReminderCreated     = "reminder.created"
	ReminderCancelled   = "reminder.cancelled"
	ReminderRescheduled = "reminder.rescheduled"
	ReminderClaimed     = "reminder.claimed"
	ReminderDelivered   = "reminder.delivered"
	ReminderFailed      = "reminder.failed"
	ReminderReverted    = "reminder.reverted"
	ReminderStale       = "reminder.stale"
	ReminderRaceLost    = "reminder.race_lost"

	SweepCompleted = "sweep.completed"
	JobDropped     = "job.dropped"
	JobFailed      = "job.failed"
	DispatchFailed = "dispatch.failed"
)

// Event is one lifecycle signal. Data is small and JSON-friendly.
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	ReminderID string    `json:"reminder_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus { return &memBus{subs: map[*subscriber]struct{}{}} }

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type subscriber struct {
	ch chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock keeps unsubscribe from closing a channel under us.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
