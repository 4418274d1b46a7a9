// Package transport defines the narrow interface the notification
// dispatcher sends through, plus the error conventions shared by every
// transport implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transport names used in config and routing.
const (
	Email    = "email"
	Telegram = "telegram"
	SMS      = "sms"
	Log      = "log"
)

// Message is one outgoing notification. HTML is an optional rich
// alternative to Body; transports that cannot render it use Body.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	HTML      string
}

// Sender delivers a message to an address it understands. The address is
// the recipient with any routing prefix ("tg:", "sms:") already removed.
type Sender interface {
	Name() string
	Send(ctx context.Context, to string, m Message) error
}

// Closer is implemented by senders holding connections.
type Closer interface {
	Close() error
}

// ErrPermanent marks a failure that retrying cannot fix (bad address,
// rejected credentials).
var ErrPermanent = errors.New("transport: permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so IsPermanent reports true. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// RetryAfterError asks the dispatcher to wait at least After before the next
// attempt (Telegram flood control, SMTP 421).
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts the hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}

// PlainText is the body a text-only transport sends: the subject line, a
// blank line, then the body.
func PlainText(m Message) string {
	subj := strings.TrimSpace(m.Subject)
	body := strings.TrimSpace(m.Body)
	switch {
	case subj == "":
		return body
	case body == "":
		return subj
	}
	return subj + "\n\n" + body
}
