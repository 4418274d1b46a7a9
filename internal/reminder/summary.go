package reminder

import (
	"fmt"
	"sort"
	"time"
)

// Summary is the listing view of an active reminder.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Requester string    `json:"requester"`
	DueAt     time.Time `json:"due_at"`
	TimeUntil string    `json:"time_until"`
	Status    Status    `json:"status"`
}

func Summarize(r Reminder, now time.Time) Summary {
	return Summary{
		ID:        r.ID,
		Title:     r.Title,
		Requester: r.Requester,
		DueAt:     r.DueAt,
		TimeUntil: TimeUntil(r.DueAt, now),
		Status:    r.Status,
	}
}

// SummarizeAll summarizes rs ordered by due time, then id.
func SummarizeAll(rs []Reminder, now time.Time) []Summary {
	out := make([]Summary, 0, len(rs))
	for _, r := range rs {
		out = append(out, Summarize(r, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TimeUntil renders the distance to due in coarse human units.
func TimeUntil(due, now time.Time) string {
	d := due.Sub(now)
	switch {
	case d <= 0:
		return "Overdue"
	case d < time.Minute:
		return "Less than a minute"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
