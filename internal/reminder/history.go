package reminder

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEvent names what a history entry records.
type HistoryEvent string

const (
	EventCompleted   HistoryEvent = "completed"
	EventCancelled   HistoryEvent = "cancelled"
	EventRescheduled HistoryEvent = "rescheduled"
)

// HistoryEntry is an immutable audit record written when a reminder is
// completed, cancelled or rescheduled.
type HistoryEntry struct {
	ID          string       `json:"id"`
	ReminderID  string       `json:"reminder_id"`
	Title       string       `json:"title"`
	Requester   string       `json:"requester"`
	Event       HistoryEvent `json:"event"`
	OriginalDue time.Time    `json:"original_due"`
	NewDue      *time.Time   `json:"new_due,omitempty"`
	At          time.Time    `json:"at"`
}

// NewHistory builds an entry for r. originalDue is the due time the event
// acted on.
func NewHistory(r Reminder, ev HistoryEvent, originalDue, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:          uuid.NewString(),
		ReminderID:  r.ID,
		Title:       r.Title,
		Requester:   r.Requester,
		Event:       ev,
		OriginalDue: Normalize(originalDue),
		At:          Normalize(at),
	}
}
