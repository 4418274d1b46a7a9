package delivery

import (
	"fmt"
	"html"
	"strings"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/transport"
)

const dueLayout = "Mon, 02 Jan 2006 15:04 MST"

// SubjectPrefix starts the subject of every reminder notification.
const SubjectPrefix = "🔔 Reminder: "

// Message renders the notification for r with due times shown in loc.
func Message(r reminder.Reminder, loc *time.Location) transport.Message {
	if loc == nil {
		loc = time.UTC
	}
	due := r.DueAt.In(loc).Format(dueLayout)
	body := strings.TrimSpace(r.Body)
	if body == "" {
		body = "No content"
	}

	var plain strings.Builder
	fmt.Fprintf(&plain, "You asked me to remind you about: %q.\n\n", r.Title)
	fmt.Fprintf(&plain, "Due: %s\n", due)
	if r.OriginalDue != nil && !r.OriginalDue.Equal(r.DueAt) {
		fmt.Fprintf(&plain, "Originally due: %s\n", r.OriginalDue.In(loc).Format(dueLayout))
	}
	fmt.Fprintf(&plain, "\nOriginal message:\n---\n%s\n---\n", body)

	var rich strings.Builder
	rich.WriteString("<html><body style=\"font-family: Arial, sans-serif; line-height: 1.6; color: #333;\">")
	fmt.Fprintf(&rich, "<p>You asked me to remind you about: <strong>&quot;%s&quot;</strong>.</p>", html.EscapeString(r.Title))
	fmt.Fprintf(&rich, "<p>Due: %s</p>", html.EscapeString(due))
	rich.WriteString("<div style=\"margin-top: 15px; padding: 10px; background-color: #f9f9f9; border-left: 4px solid #ddd;\">")
	rich.WriteString("<p><strong>Original message:</strong></p>")
	fmt.Fprintf(&rich, "<p>%s</p>", strings.ReplaceAll(html.EscapeString(body), "\n", "<br>"))
	rich.WriteString("</div></body></html>")

	return transport.Message{
		Recipient: r.Requester,
		Subject:   SubjectPrefix + r.Title,
		Body:      plain.String(),
		HTML:      rich.String(),
	}
}
