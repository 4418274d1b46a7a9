package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first activation of base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadInterval returns an every-interval schedule whose first run is
// pushed back by a random jitter in [0, limit). limit <= 0 means
// min(every/4, 30s).
func spreadInterval(every time.Duration, now time.Time, limit time.Duration, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	if limit <= 0 {
		limit = every / 4
		if limit > maxStartupSpread {
			limit = maxStartupSpread
		}
	}
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
