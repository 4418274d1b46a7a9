package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// redisCreateScript inserts a reminder once.
// KEYS[1] = reminder key, KEYS[2] = status index
// ARGV[1] = reminder JSON, ARGV[2] = due (unix ms), ARGV[3] = id
var redisCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// redisSwapScript replaces a reminder only if its stored JSON is still the
// value the caller read, and moves it between status indexes.
// KEYS[1] = reminder key, KEYS[2] = old status index, KEYS[3] = new status index,
// KEYS[4] = claimed index
// ARGV[1] = expected JSON, ARGV[2] = new JSON, ARGV[3] = id, ARGV[4] = new due (unix ms),
// ARGV[5] = claim time (unix ms) or "" to drop from the claimed index
// Returns -1 when missing, 0 when the value changed, 1 on success.
var redisSwapScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return -1
end
if cur ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[3])
if ARGV[5] == "" then
    redis.call("ZREM", KEYS[4], ARGV[3])
else
    redis.call("ZADD", KEYS[4], ARGV[5], ARGV[3])
end
return 1
`)

const redisSwapAttempts = 5

// redisStore keeps each reminder as a JSON string with sorted-set indexes:
//   - <prefix>reminder:<id>   reminder JSON
//   - <prefix>status:<status> ids scored by due time
//   - <prefix>claimed         in_progress ids scored by claim time
//   - <prefix>history         list of history entry JSON
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "reminderd:"
	}
	log.Info("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.Redis.DB), logx.String("prefix", prefix))
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) reminderKey(id string) string { return s.prefix + "reminder:" + id }
func (s *redisStore) statusKey(st reminder.Status) string {
	return s.prefix + "status:" + string(st)
}
func (s *redisStore) claimedKey() string { return s.prefix + "claimed" }
func (s *redisStore) historyKey() string { return s.prefix + "history" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Create(ctx context.Context, r reminder.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := redisCreateScript.Run(ctx, s.client,
		[]string{s.reminderKey(r.ID), s.statusKey(r.Status)},
		string(b), r.DueAt.UnixMilli(), r.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *redisStore) get(ctx context.Context, id string) (reminder.Reminder, string, error) {
	raw, err := s.client.Get(ctx, s.reminderKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return reminder.Reminder{}, "", ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, "", err
	}
	var r reminder.Reminder
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return reminder.Reminder{}, "", fmt.Errorf("decode reminder %s: %w", id, err)
	}
	return r, raw, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	r, _, err := s.get(ctx, id)
	return r, err
}

func (s *redisStore) Transition(ctx context.Context, id string, from, to reminder.Status, mut Mutator) (reminder.Reminder, error) {
	if err := reminder.CheckTransition(from, to); err != nil {
		return reminder.Reminder{}, err
	}
	return s.swap(ctx, id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyTransition(cur, from, to, mut)
	})
}

func (s *redisStore) Claim(ctx context.Context, id string, at time.Time) (reminder.Reminder, error) {
	return s.swap(ctx, id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyClaim(cur, at)
	})
}

func (s *redisStore) Annotate(ctx context.Context, id string, expect reminder.Status, mut Mutator) (reminder.Reminder, error) {
	return s.swap(ctx, id, func(cur reminder.Reminder) (reminder.Reminder, error) {
		return applyAnnotate(cur, expect, mut)
	})
}

// swap is optimistic: read, compute, then compare-and-swap on the raw
// JSON. A lost race is retried so unrelated audit writes do not surface
// as conflicts; a status change fails inside fn on the next read.
func (s *redisStore) swap(ctx context.Context, id string, fn func(reminder.Reminder) (reminder.Reminder, error)) (reminder.Reminder, error) {
	for attempt := 0; attempt < redisSwapAttempts; attempt++ {
		cur, raw, err := s.get(ctx, id)
		if err != nil {
			return reminder.Reminder{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return reminder.Reminder{}, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return reminder.Reminder{}, err
		}
		claim := ""
		if next.Status == reminder.StatusInProgress && next.ProcessingStartedAt != nil {
			claim = strconv.FormatInt(next.ProcessingStartedAt.UnixMilli(), 10)
		}
		n, err := redisSwapScript.Run(ctx, s.client,
			[]string{s.reminderKey(id), s.statusKey(cur.Status), s.statusKey(next.Status), s.claimedKey()},
			raw, string(b), id, next.DueAt.UnixMilli(), claim,
		).Int()
		if err != nil {
			return reminder.Reminder{}, fmt.Errorf("redis swap: %w", err)
		}
		switch n {
		case 1:
			return next, nil
		case -1:
			return reminder.Reminder{}, ErrNotFound
		}
	}
	return reminder.Reminder{}, ErrStatusConflict
}

func (s *redisStore) List(ctx context.Context, f Filter) ([]reminder.Reminder, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reminderKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r reminder.Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping undecodable reminder", logx.ReminderID(ids[i]), logx.Err(err))
			continue
		}
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sortByDue(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// candidateIDs narrows the scan with the indexes; List re-checks every
// filter on the decoded records.
func (s *redisStore) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	if !f.ClaimedBefore.IsZero() && (f.Status == "" || f.Status == reminder.StatusInProgress) {
		return s.client.ZRangeByScore(ctx, s.claimedKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(f.ClaimedBefore.UnixMilli(), 10),
		}).Result()
	}

	maxScore := "+inf"
	if !f.DueBefore.IsZero() {
		maxScore = strconv.FormatInt(f.DueBefore.UnixMilli(), 10)
	}
	statuses := reminder.AllStatuses
	if f.Status != "" {
		statuses = []reminder.Status{f.Status}
	}
	var ids []string
	for _, st := range statuses {
		part, err := s.client.ZRangeByScore(ctx, s.statusKey(st), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, part...)
	}
	return ids, nil
}

func (s *redisStore) AppendHistory(ctx context.Context, e reminder.HistoryEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.historyKey(), string(b)).Err()
}

func (s *redisStore) History(ctx context.Context) ([]reminder.HistoryEntry, error) {
	vals, err := s.client.LRange(ctx, s.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]reminder.HistoryEntry, 0, len(vals))
	for _, raw := range vals {
		var e reminder.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
