package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

const compactEvery = 1000

type journalOp string

const (
	opPut     journalOp = "put"
	opHistory journalOp = "history"
)

// journalRecord is one line of the journal. Put records carry the full
// reminder, so replay is last-write-wins per id.
type journalRecord struct {
	Op       journalOp              `json:"op"`
	Reminder *reminder.Reminder     `json:"reminder,omitempty"`
	History  *reminder.HistoryEntry `json:"history,omitempty"`
}

type snapshot struct {
	Reminders []reminder.Reminder     `json:"reminders"`
	History   []reminder.HistoryEntry `json:"history"`
}

// fileStore is the dependency-free backend.
//
// Files under the data directory:
//   - reminders.snapshot.json (periodic snapshot)
//   - reminders.journal.jsonl (append-only journal since the snapshot)
//
// Every change is appended to the journal before it becomes visible. The
// journal is compacted into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := filepath.Join(dir, "reminders.snapshot.json")
	journalPath := filepath.Join(dir, "reminders.journal.jsonl")

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{memStore: mem, log: log, snapshotPath: snapPath, journal: jf}
	mem.persist = s.appendJournal

	log.Info("file store opened",
		logx.String("dir", dir),
		logx.Int("reminders", len(mem.reminders)),
		logx.Int("history", len(mem.history)),
		logx.Int("journal_records", replayed),
	)
	return s, nil
}

// appendJournal runs under memStore.mu.
func (s *fileStore) appendJournal(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.journal).Encode(rec)
}

func (s *fileStore) afterWrite(err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) Create(ctx context.Context, r reminder.Reminder) error {
	err := s.memStore.Create(ctx, r)
	s.afterWrite(err)
	return err
}

func (s *fileStore) Transition(ctx context.Context, id string, from, to reminder.Status, mut Mutator) (reminder.Reminder, error) {
	r, err := s.memStore.Transition(ctx, id, from, to, mut)
	s.afterWrite(err)
	return r, err
}

func (s *fileStore) Claim(ctx context.Context, id string, at time.Time) (reminder.Reminder, error) {
	r, err := s.memStore.Claim(ctx, id, at)
	s.afterWrite(err)
	return r, err
}

func (s *fileStore) Annotate(ctx context.Context, id string, expect reminder.Status, mut Mutator) (reminder.Reminder, error) {
	r, err := s.memStore.Annotate(ctx, id, expect, mut)
	s.afterWrite(err)
	return r, err
}

func (s *fileStore) AppendHistory(ctx context.Context, e reminder.HistoryEntry) error {
	err := s.memStore.AppendHistory(ctx, e)
	s.afterWrite(err)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var cerr error
	if s.journal != nil {
		cerr = s.compactLocked()
		if err := s.journal.Close(); cerr == nil {
			cerr = err
		}
		s.journal = nil
	}
	return cerr
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Reminders: make([]reminder.Reminder, 0, len(s.reminders)),
		History:   s.history,
	}
	for _, r := range s.reminders {
		snap.Reminders = append(snap.Reminders, r)
	}
	sortByDue(snap.Reminders)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Reminders {
		mem.reminders[r.ID] = r
	}
	mem.history = append(mem.history, snap.History...)
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn
// last line from a crash is skipped, and history entries already in the
// snapshot (crash between snapshot rename and journal truncate) are not
// applied twice.
func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	seen := make(map[string]struct{}, len(mem.history))
	for _, h := range mem.history {
		seen[h.ID] = struct{}{}
	}

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch {
		case rec.Op == opPut && rec.Reminder != nil && rec.Reminder.ID != "":
			mem.reminders[rec.Reminder.ID] = *rec.Reminder
		case rec.Op == opHistory && rec.History != nil:
			if _, dup := seen[rec.History.ID]; dup {
				continue
			}
			seen[rec.History.ID] = struct{}{}
			mem.history = append(mem.history, *rec.History)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
