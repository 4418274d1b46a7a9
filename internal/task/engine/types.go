package engine

import (
	"context"
	"time"
)

// Config controls the delivery worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// JobTimeout bounds a job when Job.Timeout is 0. 0 means no bound.
	JobTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is a unit of work run by a worker.
//
// Jobs sharing a non-empty Key are deduplicated: while one is queued or
// running, further submissions with that key are rejected with ErrDuplicate.
type Job struct {
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	Key        string        `json:"key,omitempty"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the Data of job.* bus events.
type JobEvent struct {
	Key   string `json:"key,omitempty"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Snapshot is a diagnostic view of the pool.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`

	History []HistoryItem `json:"history,omitempty"`
}
