// Package digest sends the weekly summary of outstanding reminders.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

const (
	DefaultSchedule = "0 9 * * MON"
	JobName         = "digest"

	emptyText  = "✅ No outstanding follow-ups."
	runTimeout = 5 * time.Minute
)

type Config struct {
	Schedule string
	// Recipient receives one digest of everything. Empty sends each
	// requester their own.
	Recipient string
	Location  *time.Location
}

type Dispatcher interface {
	Dispatch(ctx context.Context, m transport.Message) error
}

// Registrar is the housekeeping side of the scheduler.
type Registrar interface {
	AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error
	Remove(name string) bool
}

type Digest struct {
	cfg   Config
	store storage.Store
	disp  Dispatcher
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store storage.Store, disp Dispatcher, log logx.Logger) *Digest {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Digest{cfg: cfg, store: store, disp: disp, log: log, now: time.Now}
}

// Register schedules the digest, replacing an earlier registration.
func (d *Digest) Register(r Registrar) error {
	return r.AddSchedule(JobName, d.cfg.Schedule, runTimeout, func(ctx context.Context) error {
		_, err := d.Run(ctx)
		return err
	})
}

// Run sends the digest now and returns how many messages went out.
func (d *Digest) Run(ctx context.Context) (int, error) {
	pending, err := d.store.List(ctx, storage.Filter{Status: reminder.StatusPending})
	if err != nil {
		return 0, fmt.Errorf("digest: list pending: %w", err)
	}
	subject := "Weekly follow-up digest (" + d.now().In(d.cfg.Location).Format("Mon 02 Jan 2006") + ")"

	if to := strings.TrimSpace(d.cfg.Recipient); to != "" {
		err := d.disp.Dispatch(ctx, transport.Message{Recipient: to, Subject: subject, Body: Render(pending, d.cfg.Location)})
		if err != nil {
			return 0, fmt.Errorf("digest: send to %s: %w", to, err)
		}
		d.log.Info("digest sent", logx.String("to", to), logx.Int("reminders", len(pending)))
		return 1, nil
	}

	byRequester := map[string][]reminder.Reminder{}
	for _, r := range pending {
		byRequester[r.Requester] = append(byRequester[r.Requester], r)
	}
	requesters := make([]string, 0, len(byRequester))
	for k := range byRequester {
		requesters = append(requesters, k)
	}
	sort.Strings(requesters)

	sent := 0
	var errs []error
	for _, to := range requesters {
		rs := byRequester[to]
		if err := d.disp.Dispatch(ctx, transport.Message{Recipient: to, Subject: subject, Body: Render(rs, d.cfg.Location)}); err != nil {
			errs = append(errs, fmt.Errorf("digest: send to %s: %w", to, err))
			continue
		}
		sent++
	}
	d.log.Info("digests sent", logx.Int("sent", sent), logx.Int("requesters", len(requesters)), logx.Int("reminders", len(pending)))
	return sent, errors.Join(errs...)
}

// Render lists rs soonest first as "🔁 title — due X" followed by the body.
func Render(rs []reminder.Reminder, loc *time.Location) string {
	if len(rs) == 0 {
		return emptyText
	}
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]reminder.Reminder(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DueAt.Before(sorted[j].DueAt) })

	entries := make([]string, 0, len(sorted))
	for _, r := range sorted {
		entry := fmt.Sprintf("🔁 %s — due %s", r.Title, r.DueAt.In(loc).Format("Mon 02 Jan 15:04 MST"))
		if body := strings.TrimSpace(r.Body); body != "" {
			entry += "\n" + body
		}
		entries = append(entries, entry)
	}
	return strings.Join(entries, "\n\n")
}
