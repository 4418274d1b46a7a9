package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type Config struct {
	// Timezone (IANA) for housekeeping cron specs. Empty means UTC.
	Timezone string
	// StartupJitter caps the random delay added before an interval job's
	// first run. 0 means min(every/4, 30s).
	StartupJitter time.Duration
}

// Submitter hands a due reminder id to the delivery pool.
type Submitter func(id string) error

// Lister is the part of the store Rebuild reads.
type Lister interface {
	List(ctx context.Context, f storage.Filter) ([]reminder.Reminder, error)
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	jobs   []*jobDef

	// ctx bounds housekeeping runs; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	submit Submitter

	tmu     sync.Mutex
	running bool
	timers  map[string]*armedTimer
	seq     uint64

	fired      atomic.Uint64
	superseded atomic.Uint64

	warnMu   sync.Mutex
	lastWarn time.Time
}

// armedTimer is one reminder's runtime timer. ver identifies the arming so
// a callback from a replaced timer can tell it is stale.
type armedTimer struct {
	ver uint64
	due time.Time
	t   *time.Timer
}

type jobDef struct {
	name    string
	spec    string
	every   time.Duration
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
	jitter  time.Duration
}

type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running    bool      `json:"running"`
	Timezone   string    `json:"timezone"`
	Armed      int       `json:"armed"`
	NextDue    time.Time `json:"next_due,omitempty"`
	Fired      uint64    `json:"fired"`
	Superseded uint64    `json:"superseded"`
	Jobs       []JobInfo `json:"jobs"`
}
